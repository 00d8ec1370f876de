package utils

import (
	"os"
	"path/filepath"
)

// GetDataDir returns ~/.qrdrop, falling back to the temp dir when there is no home.
func GetDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "qrdrop")
	}
	return filepath.Join(home, ".qrdrop")
}
