package sqlite

import (
	"os"
	"path/filepath"
)

func ensureDirectory(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
