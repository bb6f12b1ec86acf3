// Package security checks operator-configured file paths before the
// process reads or executes them.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// shellMeta are characters that have no business in a configured path and
// would matter if it ever reached a shell.
const shellMeta = ";&|$`(){}<>!\n\r"

// CleanPath rejects empty paths and paths with shell metacharacters, then
// returns the absolute path with symlinks resolved. A path that does not
// exist yet is returned cleaned but unresolved.
func CleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if i := strings.IndexAny(path, shellMeta); i >= 0 {
		return "", fmt.Errorf("file path contains forbidden character %q: %s", path[i], path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	return resolved, nil
}

// ReadFile is os.ReadFile on the cleaned path.
func ReadFile(path string) ([]byte, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is cleaned above
	return os.ReadFile(clean)
}

// Executable returns the cleaned path of an existing regular file, for
// handing to exec.Command.
func Executable(path string) (string, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("executable not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", clean)
	}
	return clean, nil
}
