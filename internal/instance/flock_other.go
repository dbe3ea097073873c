//go:build !unix

// -------------------------------------------------------------------------------
// Advisory File Locking - Fallback Backend
//
// Platforms without flock semantics report lock failure for every slot,
// which routes identity assignment to the unlocked random-UUID fallback.
// -------------------------------------------------------------------------------

package instance

import "os"

func tryLockExclusive(f *os.File) bool {
	return false
}
