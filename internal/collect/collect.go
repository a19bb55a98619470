// Package collect gathers template specifications at the tool boundary. The
// engine itself never talks to an interactive prompt: a Collector produces a
// raw Spec once, and authoritative validation stays with the validator.
package collect

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stencil-vm/stencil/internal/template"
)

// Collector produces a raw template specification.
type Collector interface {
	Collect(ctx context.Context) (template.Spec, error)
}

var _ Collector = (*FileCollector)(nil)

// FileCollector loads a specification from a YAML file, the headless path.
type FileCollector struct {
	Path string
}

// Collect reads and decodes the specification file. Unknown fields are
// rejected so typos surface instead of silently validating a default.
func (c *FileCollector) Collect(_ context.Context) (template.Spec, error) {
	file, err := os.Open(c.Path)
	if err != nil {
		return template.Spec{}, fmt.Errorf("open specification file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var spec template.Spec
	if err := decoder.Decode(&spec); err != nil {
		return template.Spec{}, fmt.Errorf("decode specification file %s: %w", c.Path, err)
	}
	return spec, nil
}
