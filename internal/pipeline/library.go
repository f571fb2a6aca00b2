package pipeline

import (
	_ "embed"
	"fmt"
	"sort"
)

//go:embed templates/standard.yaml
var standardTemplate []byte

// Library resolves templates by id. On-disk definitions shadow the built-in
// standard template when they share an id.
type Library struct {
	templates map[string]*Template
}

// LoadLibrary builds a library from the built-in templates plus everything
// under dir. An empty dir loads only the built-ins.
func LoadLibrary(dir string) (*Library, error) {
	builtin, err := Parse(standardTemplate)
	if err != nil {
		return nil, fmt.Errorf("built-in standard template: %w", err)
	}
	templates := map[string]*Template{builtin.ID: builtin}
	if dir != "" {
		disk, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for id, tpl := range disk {
			templates[id] = tpl
		}
	}
	return &Library{templates: templates}, nil
}

// Get returns the template with the given id.
func (l *Library) Get(id string) (*Template, bool) {
	tpl, ok := l.templates[id]
	return tpl, ok
}

// List returns all templates sorted by id.
func (l *Library) List() []*Template {
	out := make([]*Template, 0, len(l.templates))
	for _, tpl := range l.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
