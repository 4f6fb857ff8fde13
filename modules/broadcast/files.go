package broadcast

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a file does not exist below the public root.
var ErrNotFound = errors.New("file not found")

// Files resolves paths below the public directory.
type Files struct {
	root string
}

func NewFiles(root string) *Files {
	return &Files{root: root}
}

// Resolve returns the absolute path of rel and its extension as a type hint.
// rel cannot escape the public directory.
func (f *Files) Resolve(rel string) (string, string, error) {
	name := filepath.Join(f.root, filepath.Clean(string(filepath.Separator)+rel))

	abs, err := filepath.Abs(name)
	if err != nil {
		return "", "", fmt.Errorf("resolving %s: %w", rel, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return "", "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("%s is a directory: %w", rel, ErrNotFound)
	}

	return abs, filepath.Ext(abs), nil
}

// Open resolves rel and opens it for reading.
func (f *Files) Open(rel string) (*os.File, string, error) {
	name, typ, err := f.Resolve(rel)
	if err != nil {
		return nil, "", err
	}

	file, err := os.Open(name)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", rel, err)
	}

	return file, typ, nil
}
