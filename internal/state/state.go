package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureStateDir creates the .mcpay state tree and takes the advisory
// server lock. The payments subdir holds the settlement audit log; locks
// guards against two proxies sharing one SQLite database.
func EnsureStateDir(stateDir string) error {
	dirs := []string{
		stateDir,
		filepath.Join(stateDir, "payments"),
		filepath.Join(stateDir, "locks"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create state dir %s: %w", d, err)
		}
	}

	lockPath := LockPath(stateDir)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("another mcpay serve is already running (lock: %s)", lockPath)
		}
		return err
	}
	_, _ = fmt.Fprintf(lockFile, "%d\n", os.Getpid())
	_ = lockFile.Close()
	return nil
}

// LockPath is the advisory server lock location under a state dir.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, "locks", "server.lock")
}

// ReleaseStateLock removes the advisory lock. Safe to call when the lock
// was never taken.
func ReleaseStateLock(stateDir string) {
	_ = os.Remove(LockPath(stateDir))
}
