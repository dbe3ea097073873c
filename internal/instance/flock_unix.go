//go:build unix

// -------------------------------------------------------------------------------
// Advisory File Locking - Unix Backend
//
// Non-blocking exclusive flock via golang.org/x/sys. The lock is tied to the
// open file description and released when the file is closed, which gives
// automatic cleanup when a process exits or crashes.
// -------------------------------------------------------------------------------

package instance

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockExclusive attempts a non-blocking exclusive advisory lock on the
// open file. Returns false when another process holds the lock.
func tryLockExclusive(f *os.File) bool {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil
}
