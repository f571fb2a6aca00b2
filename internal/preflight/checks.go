package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"conveyor/internal/config"
	"conveyor/internal/pipeline"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckTemplates parses the template directory plus the built-in library so a
// malformed template fails at startup rather than at first request.
func CheckTemplates(dir string) Result {
	const name = "Templates"
	library, err := pipeline.LoadLibrary(dir)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	count := len(library.List())
	detail := fmt.Sprintf("%d template(s) loaded", count)
	if dir != "" {
		detail = fmt.Sprintf("%d template(s) loaded from %s + built-ins", count, dir)
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckDeliveryTargets validates delivery target configuration and, for
// local targets, that the root directory is writable.
func CheckDeliveryTargets(targets []config.DeliveryTarget) []Result {
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		label := fmt.Sprintf("Delivery target %q", target.Name)
		switch strings.ToLower(strings.TrimSpace(target.Type)) {
		case "local":
			root := strings.TrimSpace(target.Root)
			if root == "" {
				results = append(results, Result{Name: label, Detail: "local target has no root path"})
				continue
			}
			dirCheck := CheckDirectoryAccess(label, root)
			results = append(results, dirCheck)
		case "stub":
			results = append(results, Result{Name: label, Passed: true, Detail: "stub target"})
		default:
			results = append(results, Result{Name: label, Detail: fmt.Sprintf("unknown target type %q", target.Type)})
		}
	}
	return results
}
