package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileLoader overlays a YAML file onto a configuration value. Keys missing
// from the file keep the value they already had.
type FileLoader[T any] struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a FileLoader for the file at path.
func NewFileLoader[T any](path string) *FileLoader[T] {
	return &FileLoader[T]{path: path}
}

// Load reads the file and decodes it into cfg. Unknown keys are rejected.
func (l *FileLoader[T]) Load(ctx context.Context, cfg *T) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", l.path, err)
	}
	return nil
}
