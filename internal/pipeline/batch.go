package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rtm0/era5regrid/internal/config"
	"github.com/rtm0/era5regrid/internal/era5"
	"github.com/rtm0/era5regrid/internal/grid"
	"github.com/rtm0/era5regrid/internal/regrid"
)

// ErrNoSources is returned when no file matches the configured range.
var ErrNoSources = errors.New("no source files matched")

// Failure records a work item that did not produce an output.
type Failure struct {
	Source string
	Err    error
}

// Report summarises a batch run.
type Report struct {
	Total   int
	Outputs []string
	Failed  []Failure
	Skipped int // Items never started because the run was cancelled.
	Elapsed time.Duration
}

// PrepareRegridder returns the Regridder shared by all workers. When reuse
// is enabled and cfg.WeightsPath exists, the weights are loaded from it.
// Otherwise they are computed from the grid of the first sample that opens as
// a source file and written to cfg.WeightsPath. It must run before any worker
// starts.
func PrepareRegridder(logger zerolog.Logger, cfg config.Config, samples ...string) (*regrid.Regridder, error) {
	if cfg.ReuseWeights {
		_, err := os.Stat(cfg.WeightsPath)
		switch {
		case err == nil:
			r, err := regrid.Load(cfg.WeightsPath)
			if err != nil {
				return nil, err
			}
			logger.Info().
				Str("weights", cfg.WeightsPath).
				Int("entries", r.Weights().Len()).
				Msg("Reusing regridding weights")
			return r, nil
		case !os.IsNotExist(err):
			return nil, errors.Wrap(err, "stat weights")
		}
	}

	src, sample, err := sampleGrid(logger, cfg, samples)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	r, err := regrid.New(src, grid.Global1Degree(), regrid.MethodNearestS2D)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.WeightsPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create weights directory")
	}
	if err := r.Weights().Save(cfg.WeightsPath); err != nil {
		return nil, err
	}
	ny, nx := src.Shape()
	logger.Info().
		Str("weights", cfg.WeightsPath).
		Str("sample", filepath.Base(sample)).
		Str("src", fmt.Sprintf("%dx%d", ny, nx)).
		Int("entries", r.Weights().Len()).
		Dur("in", time.Since(start).Round(time.Millisecond)).
		Msg("Computed regridding weights")
	return r, nil
}

// sampleGrid returns the grid of the first sample that opens as a source
// file. Samples that do not open are logged and skipped.
func sampleGrid(logger zerolog.Logger, cfg config.Config, samples []string) (grid.Grid, string, error) {
	var lastErr error
	for _, sample := range samples {
		s, err := era5.NewScanner(sample, era5.Options{Variable: cfg.Variable, Level: cfg.Level})
		if err != nil {
			logger.Warn().Err(err).Str("file", sample).Msg("Cannot take the source grid from file")
			lastErr = err
			continue
		}
		g := s.Grid()
		s.Close()
		return g, sample, nil
	}
	if lastErr == nil {
		return grid.Grid{}, "", errors.New("no sample file given")
	}
	return grid.Grid{}, "", errors.Wrapf(lastErr, "no readable sample among %d files", len(samples))
}

type result struct {
	item   WorkItem
	output string
	err    error
}

// Run enumerates the source files, prepares the shared weights and processes
// every file on a pool of cfg.Workers workers. A failed item does not stop
// the others; the returned error reports how many failed.
func Run(ctx context.Context, logger zerolog.Logger, cfg config.Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	start := time.Now()

	files, err := Enumerate(cfg)
	if err != nil {
		return nil, err
	}
	report := &Report{Total: len(files)}
	if len(files) == 0 {
		return report, errors.Wrapf(ErrNoSources, "%s, years %d-%d, months %v",
			filepath.Join(cfg.SourceRoot, "{YYYY}{MM}", cfg.Pattern), cfg.StartYear, cfg.EndYear, cfg.Months)
	}
	logger.Info().Int("files", len(files)).Int("workers", cfg.Workers).Msg("Enumerated source files")

	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return report, errors.Wrap(err, "create output directory")
	}
	r, err := PrepareRegridder(logger, cfg, files...)
	if err != nil {
		return report, errors.Wrap(err, "prepare weights")
	}
	p := NewProcessor(logger, r, cfg)

	resultCh := make(chan result)
	done := make(chan struct{})
	go func() {
		defer close(done)
		total := float64(len(files))
		var n float64
		for res := range resultCh {
			n++
			if res.err != nil {
				report.Failed = append(report.Failed, Failure{Source: res.item.Source, Err: res.err})
				logger.Error().Err(res.err).Str("file", res.item.Source).Msg("Failed")
				continue
			}
			report.Outputs = append(report.Outputs, res.output)
			logger.Info().
				Str("output", res.output).
				Str("progress", fmt.Sprintf("%.2f%%", 100*n/total)).
				Dur("in", time.Since(start).Round(time.Second)).
				Msg("Finished")
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(cfg.Workers)
	items := Items(cfg, files)
	for i, item := range items {
		if ctx.Err() != nil {
			report.Skipped = len(items) - i
			break
		}
		g.Go(func() error {
			out, err := p.Process(ctx, item)
			resultCh <- result{item: item, output: out, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)
	<-done
	report.Elapsed = time.Since(start)

	if err := ctx.Err(); err != nil {
		return report, errors.Wrapf(err, "run interrupted with %d items not started", report.Skipped)
	}
	if len(report.Failed) > 0 {
		return report, errors.Errorf("%d of %d files failed", len(report.Failed), report.Total)
	}
	return report, nil
}
