//go:build windows

package credstore

import (
	"os"
)

// No-op for Windows; the in-process mutex still serializes writers.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
