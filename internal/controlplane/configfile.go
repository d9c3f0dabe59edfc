package controlplane

import (
	"fmt"
	"os"
	"path/filepath"
)

// readFileTolerant reads path, treating a missing file as empty content
// rather than an error — PUT /api/config works even before a document
// has ever been written.
func readFileTolerant(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// writeFileAtomic writes data to path via temp-file-then-rename, matching
// the Task Store's and Dashboard's persistence idiom.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("controlplane: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("controlplane: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("controlplane: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("controlplane: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("controlplane: renaming into place: %w", err)
	}
	return nil
}
