package preflight

import (
	"context"
	"strings"

	"conveyor/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	results = append(results, CheckTemplates(cfg.Paths.TemplatesDir))

	if strings.EqualFold(cfg.Search.Provider, "dropdir") && strings.TrimSpace(cfg.Search.DropDir) != "" {
		results = append(results, CheckDirectoryAccess("Search drop directory", cfg.Search.DropDir))
	}

	results = append(results, CheckDeliveryTargets(cfg.Delivery.Targets)...)
	return results
}

// Failed filters results down to the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, result := range results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}
