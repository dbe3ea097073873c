// -------------------------------------------------------------------------------
// Instance Identity - Stable UUIDs via Slot-Based File Locking
//
// Assigns each process a stable instance UUID using advisory file locks over
// a fixed pool of slot files in the temp directory. A restarting process
// reacquires its previous slot and reuses the UUID stored in the file, while
// concurrently running workers land on different slots and get distinct
// UUIDs. The open file handle IS the lock and must stay open for the process
// lifetime; crashed processes leave stale files behind, so a validation
// sweep removes entries that are too old, unparseable, or duplicated before
// slots are allocated.
// -------------------------------------------------------------------------------

package instance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxSlots   = 100
	maxLockAge = 24 * time.Hour
)

// LockHandle wraps the open file whose advisory lock backs an instance UUID.
type LockHandle struct {
	file *os.File
}

// Release closes the underlying file, releasing the advisory lock and
// freeing the slot for other processes.
func (h *LockHandle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// GetOrCreateInstanceUUID returns a stable instance UUID for this process
// and the lock handle backing it. The handle is nil when no slot could be
// locked (pool exhausted or lock directory inaccessible); in that case the
// UUID is random and not stable across restarts.
func GetOrCreateInstanceUUID(clientID, env string) (string, *LockHandle) {
	hash := appEnvHash(clientID, env)
	dir := lockDir()

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return uuid.NewString(), nil
	}

	validateLockFiles(dir, hash)

	for slot := 0; slot < maxSlots; slot++ {
		path := filepath.Join(dir, lockFileName(hash, slot))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			continue
		}
		if !tryLockExclusive(f) {
			f.Close()
			continue
		}

		// Slot acquired. Reuse the stored UUID if the previous owner of
		// this slot left a valid one behind.
		buf := make([]byte, 64)
		n, _ := f.ReadAt(buf, 0)
		if existing, ok := parseUUID(string(buf[:n])); ok {
			return existing, &LockHandle{file: f}
		}

		fresh := uuid.NewString()
		if err := f.Truncate(0); err == nil {
			f.WriteAt([]byte(fresh), 0)
		}
		return fresh, &LockHandle{file: f}
	}

	// Pool exhausted: more concurrent workers than slots. Telemetry still
	// works, but this instance's UUID will not survive a restart.
	return uuid.NewString(), nil
}

// validateLockFiles sweeps the slot files for one (clientID, env) hash and
// deletes entries that are older than maxLockAge, hold an unparseable UUID,
// or duplicate a UUID already claimed by an earlier-sorted file.
func validateLockFiles(dir, hash string) {
	matches, err := filepath.Glob(filepath.Join(dir, lockFilePattern(hash)))
	if err != nil {
		return
	}
	sort.Strings(matches)

	seen := make(map[string]struct{})
	now := time.Now()
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxLockAge {
			os.Remove(path)
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id, ok := parseUUID(string(content))
		if !ok {
			os.Remove(path)
			continue
		}
		if _, dup := seen[id]; dup {
			os.Remove(path)
			continue
		}
		seen[id] = struct{}{}
	}
}

// appEnvHash derives the short stable hash identifying one (clientID, env)
// pair in lock file names.
func appEnvHash(clientID, env string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + env))
	return hex.EncodeToString(sum[:])[:8]
}

// tempDir is swapped in tests to isolate the lock directory.
var tempDir = os.TempDir

func lockDir() string {
	return filepath.Join(tempDir(), "apitrack")
}

func lockFileName(hash string, slot int) string {
	return fmt.Sprintf("instance_%s_%d.lock", hash, slot)
}

func lockFilePattern(hash string) string {
	return fmt.Sprintf("instance_%s_*.lock", hash)
}

func parseUUID(s string) (string, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
