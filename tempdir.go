package skyframe

import (
	"os"
)

// TempDir creates a directory named after prefix in /dev/shm when that
// exists, and in the default temporary directory otherwise. Frame sources
// spool images through it, the mount client keeps the daemon socket there.
func TempDir(prefix string) (string, error) {
	// Only use /dev/shm when present, never create it below /dev.
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		if dir, err := os.MkdirTemp("/dev/shm", prefix); err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", prefix)
}
