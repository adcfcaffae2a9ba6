package coverage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Source reads the bytes of a unit by its module-relative name.
type Source interface {
	ReadUnit(name string) ([]byte, error)
}

// DirSource reads units from a module checkout.
type DirSource struct {
	Root string
}

// ReadUnit implements Source. Errors are those of os.ReadFile.
func (s DirSource) ReadUnit(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(name)))
}

// MapSource serves units from memory and falls back to Fallback, if set,
// for names it does not hold.
type MapSource struct {
	Units    map[string][]byte
	Fallback Source
}

// ReadUnit implements Source.
func (s MapSource) ReadUnit(name string) ([]byte, error) {
	if data, ok := s.Units[name]; ok {
		return data, nil
	}
	if s.Fallback != nil {
		return s.Fallback.ReadUnit(name)
	}
	return nil, fmt.Errorf("unit %s: %w", name, os.ErrNotExist)
}
