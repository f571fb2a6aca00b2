package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"conveyor/internal/config"
	"conveyor/internal/fileutil"
	"conveyor/internal/services"
)

// Target places one artifact at a destination and returns the path (or
// URL-like locator) it landed at.
type Target interface {
	Name() string
	Deliver(ctx context.Context, sourcePath, profile string) (string, error)
}

// BuildTargets constructs the configured targets, rejecting duplicates and
// unknown types up front so a bad config fails at startup rather than at the
// first delivery.
func BuildTargets(targets []config.DeliveryTarget) (map[string]Target, error) {
	built := make(map[string]Target, len(targets))
	for _, tc := range targets {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, services.Wrap(services.ErrConfiguration, "delivery", "build targets", "target with empty name", nil)
		}
		if _, exists := built[name]; exists {
			return nil, services.Wrap(services.ErrConfiguration, "delivery", "build targets", fmt.Sprintf("duplicate target %q", name), nil)
		}
		switch strings.ToLower(strings.TrimSpace(tc.Type)) {
		case "local", "":
			if strings.TrimSpace(tc.Root) == "" {
				return nil, services.Wrap(services.ErrConfiguration, "delivery", "build targets", fmt.Sprintf("local target %q needs a root path", name), nil)
			}
			root, err := config.ExpandPath(tc.Root)
			if err != nil {
				return nil, services.Wrap(services.ErrConfiguration, "delivery", "build targets", fmt.Sprintf("local target %q root", name), err)
			}
			built[name] = &LocalTarget{name: name, root: root}
		case "stub":
			built[name] = NewStubTarget(name)
		default:
			return nil, services.Wrap(services.ErrConfiguration, "delivery", "build targets", fmt.Sprintf("target %q has unknown type %q", name, tc.Type), nil)
		}
	}
	return built, nil
}

// LocalTarget copies artifacts into a directory tree, one subdirectory per
// profile. Copies are hash-verified; a destination that already exists with
// the source's size is treated as already delivered.
type LocalTarget struct {
	name string
	root string
}

// NewLocalTarget builds a filesystem target rooted at dir.
func NewLocalTarget(name, dir string) *LocalTarget {
	return &LocalTarget{name: name, root: dir}
}

func (t *LocalTarget) Name() string { return t.name }

func (t *LocalTarget) Deliver(ctx context.Context, sourcePath, profile string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("source: %w", err)
	}

	dir := t.root
	if profile != "" {
		dir = filepath.Join(t.root, profile)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target directory: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(sourcePath))

	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		return dst, nil
	}
	if err := fileutil.CopyFileVerified(sourcePath, dst); err != nil {
		return "", fmt.Errorf("copy to %s: %w", t.name, err)
	}
	return dst, nil
}

// StubTarget stands in for a remote push. It records deliveries in memory
// and optionally injects a failure, which keeps queue and step tests off the
// network.
type StubTarget struct {
	name string
	Err  error

	mu        sync.Mutex
	delivered []string
}

// NewStubTarget builds an always-succeeding stub.
func NewStubTarget(name string) *StubTarget {
	return &StubTarget{name: name}
}

func (t *StubTarget) Name() string { return t.name }

func (t *StubTarget) Deliver(ctx context.Context, sourcePath, profile string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.Err != nil {
		return "", t.Err
	}
	locator := fmt.Sprintf("stub://%s/%s/%s", t.name, profile, filepath.Base(sourcePath))
	t.mu.Lock()
	t.delivered = append(t.delivered, locator)
	t.mu.Unlock()
	return locator, nil
}

// Delivered returns the locators shipped so far.
func (t *StubTarget) Delivered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.delivered))
	copy(out, t.delivered)
	return out
}
