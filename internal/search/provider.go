package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"conveyor/internal/config"
	"conveyor/internal/services"
	"conveyor/internal/textutil"
)

// Provider names accepted by the config's search section.
const (
	ProviderDropDir = "dropdir"
	ProviderStub    = "stub"
)

// sourceExtensions are the container formats a provider will offer.
var sourceExtensions = map[string]struct{}{
	".mkv": {},
	".mp4": {},
	".avi": {},
}

var episodePattern = regexp.MustCompile(`s\d{2}e\d{2}`)

// Query identifies the artifact a single item needs. Episode is zero for
// movie items.
type Query struct {
	Title   string
	Season  int
	Episode int
}

func (q Query) episodeKey() string {
	if q.Episode <= 0 {
		return ""
	}
	return fmt.Sprintf("s%02de%02d", q.Season, q.Episode)
}

// Result is one located source.
type Result struct {
	SourcePath string
	Size       int64
}

// Provider looks up sources for items. A nil result with a nil error means
// nothing matched yet; the caller keeps the item searching and asks again on
// the next interval.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query) (*Result, error)
}

// NewProvider builds the provider the config names. The config layer
// validates the name at load time, so an unknown value here means the config
// was assembled by hand.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Search.Provider)) {
	case "", ProviderDropDir:
		return NewDropDir(cfg.Search.DropDir), nil
	case ProviderStub:
		dir := cfg.Search.DropDir
		if strings.TrimSpace(dir) == "" {
			dir = filepath.Join(cfg.Paths.StagingDir, "stub-sources")
		}
		return NewStub(dir), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "search", "select provider", fmt.Sprintf("unknown search provider %q", cfg.Search.Provider), nil)
	}
}

// DropDirProvider matches files an external downloader deposited in a watch
// directory. Names are compared in normalized lowercase form; episode items
// additionally require their sNNeNN key, and movie queries refuse files that
// carry one. The largest candidate wins.
type DropDirProvider struct {
	dir string
}

// NewDropDir returns a provider scanning dir for deposited sources.
func NewDropDir(dir string) *DropDirProvider {
	return &DropDirProvider{dir: dir}
}

func (p *DropDirProvider) Name() string { return ProviderDropDir }

func (p *DropDirProvider) Search(ctx context.Context, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.dir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "search", "scan drop directory", "search.drop_dir is not configured", nil)
	}
	want := textutil.SearchQuery(q.Title)
	if want == "" {
		return nil, services.Wrap(services.ErrValidation, "search", "build query", fmt.Sprintf("title %q normalizes to nothing", q.Title), nil)
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		// The directory appearing later is the normal case for a watch dir.
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrTransient, "search", "scan drop directory", p.dir, err)
	}

	episode := q.episodeKey()
	var best *Result
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ok := sourceExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		stem := textutil.SearchQuery(strings.TrimSuffix(name, filepath.Ext(name)))
		if !strings.Contains(stem, want) {
			continue
		}
		if episode != "" && !strings.Contains(stem, episode) {
			continue
		}
		if episode == "" && episodePattern.MatchString(stem) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == nil || info.Size() > best.Size {
			best = &Result{SourcePath: filepath.Join(p.dir, name), Size: info.Size()}
		}
	}
	return best, nil
}

// StubProvider fabricates a tiny source file on first lookup so pipelines
// run end to end without any external tooling. Development and tests only.
type StubProvider struct {
	dir string
}

// NewStub returns a stub provider fabricating sources under dir.
func NewStub(dir string) *StubProvider {
	return &StubProvider{dir: dir}
}

func (p *StubProvider) Name() string { return ProviderStub }

func (p *StubProvider) Search(ctx context.Context, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := textutil.SanitizeFileName(textutil.NormalizeTitle(q.Title))
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "search", "build query", fmt.Sprintf("title %q normalizes to nothing", q.Title), nil)
	}
	if key := q.episodeKey(); key != "" {
		name = name + " " + strings.ToUpper(key)
	}
	path := filepath.Join(p.dir, name+".mkv")
	if info, err := os.Stat(path); err == nil {
		return &Result{SourcePath: path, Size: info.Size()}, nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, "search", "fabricate stub source", p.dir, err)
	}
	payload := []byte(fmt.Sprintf("stub source for %s\n", name))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, services.Wrap(services.ErrTransient, "search", "fabricate stub source", path, err)
	}
	return &Result{SourcePath: path, Size: int64(len(payload))}, nil
}
