package pipeline_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conveyor/internal/pipeline"
)

const treeTemplate = `
id: tree
name: Tree walk order
steps:
  - name: a
    type: noop
    steps:
      - name: a1
        type: noop
      - name: a2
        type: noop
        steps:
          - name: a2x
            type: noop
  - name: b
    type: noop
  - name: c
    type: noop
    timeout: 45s
    required: false
    retryable: false
    continueOnError: true
`

func TestParseDefaultsAndTimeout(t *testing.T) {
	tpl, err := pipeline.Parse([]byte(treeTemplate))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tpl.ID != "tree" || tpl.Len() != 6 {
		t.Fatalf("unexpected template %q with %d nodes", tpl.ID, tpl.Len())
	}

	idxA, ok := tpl.IndexOf("a")
	if !ok {
		t.Fatal("step a not indexed")
	}
	a := tpl.Node(idxA)
	if !a.Required || !a.Retryable || a.ContinueOnError {
		t.Fatalf("expected required/retryable defaults, got %+v", a)
	}
	if a.Timeout != 0 {
		t.Fatalf("expected zero timeout default, got %v", a.Timeout)
	}

	idxC, _ := tpl.IndexOf("c")
	c := tpl.Node(idxC)
	if c.Required || c.Retryable || !c.ContinueOnError {
		t.Fatalf("expected explicit flags on c, got %+v", c)
	}
	if c.Timeout != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %v", c.Timeout)
	}
}

func TestTemplateWalkOrder(t *testing.T) {
	tpl, err := pipeline.Parse([]byte(treeTemplate))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	var order []string
	for idx := tpl.First(); idx != -1; idx = tpl.Next(idx) {
		order = append(order, tpl.Node(idx).Name)
	}
	want := "a a1 a2 a2x b c"
	if got := strings.Join(order, " "); got != want {
		t.Fatalf("walk order %q, want %q", got, want)
	}

	idxA, _ := tpl.IndexOf("a")
	idxB, _ := tpl.IndexOf("b")
	if got := tpl.NextSkippingChildren(idxA); got != idxB {
		t.Fatalf("NextSkippingChildren(a) = %d, want index of b (%d)", got, idxB)
	}
	idxA2x, _ := tpl.IndexOf("a2x")
	if got := tpl.NextSkippingChildren(idxA2x); got != idxB {
		t.Fatalf("NextSkippingChildren(a2x) = %d, want index of b (%d)", got, idxB)
	}
	idxC, _ := tpl.IndexOf("c")
	if got := tpl.Next(idxC); got != -1 {
		t.Fatalf("expected end of walk after c, got %d", got)
	}
}

func TestParseRejectsBadTemplates(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate names", `
steps:
  - name: a
    type: noop
  - name: a
    type: noop
`},
		{"missing type", `
steps:
  - name: a
`},
		{"missing name", `
steps:
  - type: noop
`},
		{"unknown key", `
steps:
  - name: a
    type: noop
    retrys: 3
`},
		{"parallel without children", `
steps:
  - name: a
    type: noop
    parallel: true
`},
		{"bad condition op", `
steps:
  - name: a
    type: noop
    condition:
      field: x
      op: "~="
      value: 1
`},
		{"bad regex", `
steps:
  - name: a
    type: noop
    condition:
      field: x
      op: matches
      value: "["
`},
		{"empty", ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pipeline.Parse([]byte(tc.yaml)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseDepthGuard(t *testing.T) {
	var b strings.Builder
	b.WriteString("steps:\n")
	indent := "  "
	for depth := 0; depth <= pipeline.MaxTemplateDepth; depth++ {
		pad := strings.Repeat(indent, depth*2+1)
		b.WriteString(pad + "- name: n" + strings.Repeat("x", depth) + "\n")
		b.WriteString(pad + "  type: noop\n")
		if depth < pipeline.MaxTemplateDepth {
			b.WriteString(pad + "  steps:\n")
		}
	}
	if _, err := pipeline.Parse([]byte(b.String())); err == nil {
		t.Fatal("expected depth guard to reject the template")
	}
}

func TestLoadDirAndLibrary(t *testing.T) {
	dir := t.TempDir()
	custom := `
id: custom
name: Custom
steps:
  - name: only
    type: noop
`
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	unnamed := `
steps:
  - name: solo
    type: noop
`
	if err := os.WriteFile(filepath.Join(dir, "from-file.yml"), []byte(unnamed), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	lib, err := pipeline.LoadLibrary(dir)
	if err != nil {
		t.Fatalf("LoadLibrary failed: %v", err)
	}

	if _, ok := lib.Get("standard"); !ok {
		t.Fatal("built-in standard template missing")
	}
	if _, ok := lib.Get("custom"); !ok {
		t.Fatal("custom template missing")
	}
	if _, ok := lib.Get("from-file"); !ok {
		t.Fatal("template should take its id from the file name")
	}

	list := lib.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("list not sorted: %q before %q", list[i-1].ID, list[i].ID)
		}
	}
}

func TestLoadLibraryMissingDir(t *testing.T) {
	lib, err := pipeline.LoadLibrary(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadLibrary failed: %v", err)
	}
	tpl, ok := lib.Get("standard")
	if !ok {
		t.Fatal("built-in standard template missing")
	}
	if tpl.Len() == 0 {
		t.Fatal("standard template has no steps")
	}
}

func TestZeroStepTemplate(t *testing.T) {
	tpl, err := pipeline.Parse([]byte("id: empty\nname: Empty\nsteps: []\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tpl.Len() != 0 {
		t.Fatalf("expected zero nodes, got %d", tpl.Len())
	}
	if tpl.First() != -1 {
		t.Fatal("expected First to report -1 for an empty template")
	}
}
