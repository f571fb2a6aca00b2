package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Size guards applied when a template is flattened.
const (
	MaxTemplateNodes = 256
	MaxTemplateDepth = 16
)

// StepSpec is the YAML form of one template node. Required and Retryable
// default to true when omitted.
type StepSpec struct {
	Name            string         `yaml:"name"`
	Type            string         `yaml:"type"`
	Config          map[string]any `yaml:"config,omitempty"`
	Condition       *Condition     `yaml:"condition,omitempty"`
	Required        *bool          `yaml:"required,omitempty"`
	Retryable       *bool          `yaml:"retryable,omitempty"`
	ContinueOnError bool           `yaml:"continueOnError,omitempty"`
	Timeout         Duration       `yaml:"timeout,omitempty"`
	Parallel        bool           `yaml:"parallel,omitempty"`
	Steps           []StepSpec     `yaml:"steps,omitempty"`
}

// Duration decodes YAML duration strings ("90s", "5m") and bare second
// counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Node is one flattened template node. Children and Parent reference nodes
// by arena index; Parent is -1 for roots.
type Node struct {
	Name            string
	Type            string
	Config          map[string]any
	Condition       *Condition
	Required        bool
	Retryable       bool
	ContinueOnError bool
	Timeout         time.Duration
	Parallel        bool

	Parent   int
	Children []int
	Depth    int
}

type templateFile struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []StepSpec `yaml:"steps"`
}

// Template is a validated workflow definition flattened into an index-based
// arena. It is immutable after load and safe for concurrent reads.
type Template struct {
	ID          string
	Name        string
	Description string

	nodes  []Node
	roots  []int
	byName map[string]int
}

// Parse builds and validates a template from YAML bytes. Unknown YAML keys
// are rejected so that typos surface as configuration errors instead of
// silently dropped flags.
func Parse(raw []byte) (*Template, error) {
	var file templateFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("template is empty")
		}
		return nil, err
	}
	tpl := &Template{
		ID:          strings.TrimSpace(file.ID),
		Name:        strings.TrimSpace(file.Name),
		Description: strings.TrimSpace(file.Description),
		byName:      make(map[string]int),
	}
	tpl.roots = make([]int, 0, len(file.Steps))
	for i := range file.Steps {
		idx, err := tpl.addNode(&file.Steps[i], -1, 1)
		if err != nil {
			return nil, err
		}
		tpl.roots = append(tpl.roots, idx)
	}
	return tpl, nil
}

// LoadFile parses one template file. A file without an explicit id takes its
// base name.
func LoadFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tpl, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", filepath.Base(path), err)
	}
	if tpl.ID == "" {
		tpl.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return tpl, nil
}

// LoadDir loads every *.yaml and *.yml file under dir, keyed by template ID.
// A missing directory yields an empty map.
func LoadDir(dir string) (map[string]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Template{}, nil
		}
		return nil, err
	}
	templates := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
		default:
			continue
		}
		tpl, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := templates[tpl.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", tpl.ID)
		}
		templates[tpl.ID] = tpl
	}
	return templates, nil
}

func (t *Template) addNode(spec *StepSpec, parent, depth int) (int, error) {
	if depth > MaxTemplateDepth {
		return 0, fmt.Errorf("step %q exceeds maximum nesting depth %d", spec.Name, MaxTemplateDepth)
	}
	if len(t.nodes) >= MaxTemplateNodes {
		return 0, fmt.Errorf("template exceeds maximum of %d steps", MaxTemplateNodes)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return 0, fmt.Errorf("step at depth %d missing name", depth)
	}
	if strings.TrimSpace(spec.Type) == "" {
		return 0, fmt.Errorf("step %q missing type", name)
	}
	if _, exists := t.byName[name]; exists {
		return 0, fmt.Errorf("duplicate step name %q", name)
	}
	if spec.Condition != nil {
		if err := spec.Condition.validate(); err != nil {
			return 0, fmt.Errorf("step %q: %w", name, err)
		}
	}
	if spec.Parallel && len(spec.Steps) == 0 {
		return 0, fmt.Errorf("step %q is marked parallel but has no children", name)
	}
	if spec.Timeout < 0 {
		return 0, fmt.Errorf("step %q has a negative timeout", name)
	}

	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{
		Name:            name,
		Type:            strings.TrimSpace(spec.Type),
		Config:          spec.Config,
		Condition:       spec.Condition,
		Required:        boolOrDefault(spec.Required, true),
		Retryable:       boolOrDefault(spec.Retryable, true),
		ContinueOnError: spec.ContinueOnError,
		Timeout:         spec.Timeout.Std(),
		Parallel:        spec.Parallel,
		Parent:          parent,
		Depth:           depth,
	})
	t.byName[name] = idx

	children := make([]int, 0, len(spec.Steps))
	for i := range spec.Steps {
		childIdx, err := t.addNode(&spec.Steps[i], idx, depth+1)
		if err != nil {
			return 0, err
		}
		children = append(children, childIdx)
	}
	t.nodes[idx].Children = children
	return idx, nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Len returns the number of nodes in the arena.
func (t *Template) Len() int { return len(t.nodes) }

// Node returns the node at idx. The returned pointer must be treated as
// read-only.
func (t *Template) Node(idx int) *Node { return &t.nodes[idx] }

// Nodes returns a copy of the arena in definition order.
func (t *Template) Nodes() []Node {
	return append([]Node(nil), t.nodes...)
}

// Roots returns the indexes of the top-level steps in declaration order.
func (t *Template) Roots() []int {
	return append([]int(nil), t.roots...)
}

// First returns the index of the first root, or -1 for an empty template.
func (t *Template) First() int {
	if len(t.roots) == 0 {
		return -1
	}
	return t.roots[0]
}

// IndexOf resolves a step name to its arena index.
func (t *Template) IndexOf(name string) (int, bool) {
	idx, ok := t.byName[name]
	return idx, ok
}

// FirstChild returns the first child of idx, or -1 when it has none.
func (t *Template) FirstChild(idx int) int {
	children := t.nodes[idx].Children
	if len(children) == 0 {
		return -1
	}
	return children[0]
}

// NextSkippingChildren returns the node that follows idx's entire subtree in
// walk order: its next sibling, or the nearest ancestor's next sibling, or
// -1 at the end of the template.
func (t *Template) NextSkippingChildren(idx int) int {
	for idx != -1 {
		parent := t.nodes[idx].Parent
		siblings := t.roots
		if parent != -1 {
			siblings = t.nodes[parent].Children
		}
		for pos, sibling := range siblings {
			if sibling == idx {
				if pos+1 < len(siblings) {
					return siblings[pos+1]
				}
				break
			}
		}
		idx = parent
	}
	return -1
}

// Next returns the depth-first successor of idx: its first child when it has
// children, otherwise the next node after its subtree.
func (t *Template) Next(idx int) int {
	if child := t.FirstChild(idx); child != -1 {
		return child
	}
	return t.NextSkippingChildren(idx)
}
