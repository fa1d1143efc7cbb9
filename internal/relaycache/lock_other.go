//go:build !unix

package relaycache

import "os"

// Advisory locking is only available on unix; elsewhere the lock file just
// marks the directory as in use.
func lockDirectory(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func unlockDirectory(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
