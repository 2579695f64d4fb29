// Package pipeline turns ERA5 source files into regridded daily means.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rtm0/era5regrid/internal/config"
)

// WorkItem is one source file and the directory its daily mean goes to. It
// is consumed by exactly one worker.
type WorkItem struct {
	Source    string
	OutputDir string
}

// Enumerate lists the source files of a run: for every year and month, the
// files in SourceRoot/{YYYY}{MM} matching Pattern, sorted by name within each
// directory. Directories that do not exist contribute nothing.
func Enumerate(cfg config.Config) ([]string, error) {
	var files []string
	for year := cfg.StartYear; year <= cfg.EndYear; year++ {
		for _, month := range cfg.Months {
			dir := filepath.Join(cfg.SourceRoot, fmt.Sprintf("%04d%02d", year, month))
			matches, err := filepath.Glob(filepath.Join(dir, cfg.Pattern))
			if err != nil {
				return nil, errors.Wrapf(err, "bad pattern %q", cfg.Pattern)
			}
			files = append(files, matches...)
		}
	}
	return files, nil
}

// Items builds one work item per file.
func Items(cfg config.Config, files []string) []WorkItem {
	items := make([]WorkItem, len(files))
	for i, f := range files {
		items[i] = WorkItem{Source: f, OutputDir: cfg.OutputRoot}
	}
	return items
}
