package securestore

import (
	"os"
	"path/filepath"
	"strings"
)

// WriteBackupFile writes a blob after checking its shape. The directory is
// created private to the user.
func WriteBackupFile(path string, blob []byte) error {
	path = strings.TrimSpace(path)
	if _, err := ParseHeader(blob); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// ReadBackupFile reads a blob and checks its shape.
func ReadBackupFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if _, err := ParseHeader(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
