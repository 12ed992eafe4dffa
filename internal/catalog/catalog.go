// Package catalog lists the canvas templates a user can start from.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

var (
	// ErrUnknownTemplate is returned when a template id is not in the catalog.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrTemplateRequired is returned when no template was chosen.
	ErrTemplateRequired = errors.New("please choose a template")
)

// Template is one starting point for a new canvas.
type Template struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Icon        string `yaml:"icon"`
}

// Catalog is an ordered, read-only set of templates.
type Catalog struct {
	templates []Template
	byID      map[string]Template
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultTemplates)
}

// Parse reads a YAML list of templates. Ids must be present and unique.
func Parse(data []byte) (*Catalog, error) {
	var templates []Template
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	c := &Catalog{byID: make(map[string]Template, len(templates))}
	for i, t := range templates {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || strings.TrimSpace(t.Title) == "" {
			return nil, fmt.Errorf("template %d: id and title are required", i)
		}
		if _, exists := c.byID[t.ID]; exists {
			return nil, fmt.Errorf("template %q is defined twice", t.ID)
		}
		c.byID[t.ID] = t
		c.templates = append(c.templates, t)
	}
	return c, nil
}

// All returns the templates in display order.
func (c *Catalog) All() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Select validates a user's choice.
func (c *Catalog) Select(id string) (Template, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Template{}, ErrTemplateRequired
	}
	t, ok := c.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}
