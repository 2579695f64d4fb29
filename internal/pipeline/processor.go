package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rtm0/era5regrid/internal/config"
	"github.com/rtm0/era5regrid/internal/era5"
	"github.com/rtm0/era5regrid/internal/regrid"
)

// Metadata attached to every output variable.
const (
	OutputVariable = "Z"
	OutputUnits    = "m**2 s**-2"
	OutputLongName = "Geopotential"
)

// OutputName returns the file name for a daily mean starting at t, e.g.
// era5_z500_1995_03_14.nc for prefix era5_z500_.
func OutputName(prefix string, t time.Time) string {
	date := t.UTC().Format("2006-01-02")[:10]
	return prefix + strings.ReplaceAll(date, "-", "_") + ".nc"
}

// Processor turns one source file into one daily-mean file. It holds no
// per-file state and may be shared by workers.
type Processor struct {
	logger    zerolog.Logger
	regridder *regrid.Regridder
	opts      era5.Options
	prefix    string
}

// NewProcessor creates a Processor that regrids with r.
func NewProcessor(logger zerolog.Logger, r *regrid.Regridder, cfg config.Config) *Processor {
	return &Processor{
		logger:    logger,
		regridder: r,
		opts:      era5.Options{Variable: cfg.Variable, Level: cfg.Level},
		prefix:    cfg.OutputPrefix,
	}
}

// Process reads item.Source, regrids every timestamp of the selected level,
// averages them and writes the result to item.OutputDir. It returns the path
// of the written file.
func (p *Processor) Process(ctx context.Context, item WorkItem) (string, error) {
	s, err := era5.NewScanner(item.Source, p.opts)
	if err != nil {
		return "", err
	}
	defer s.Close()
	p.logger.Debug().Fields(s.Summary()).Msg("ERA5 summary")

	mean := era5.NewMean(p.regridder.Dst())
	for s.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := p.regridder.Regrid(s.Slab())
		if err != nil {
			return "", errors.Wrap(err, item.Source)
		}
		if err := mean.Add(out); err != nil {
			return "", errors.Wrap(err, item.Source)
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}

	dm, err := mean.Result()
	if err != nil {
		return "", errors.Wrap(err, item.Source)
	}
	dm.Variable = era5.Variable{Name: OutputVariable, Units: OutputUnits, LongName: OutputLongName}
	dm.Level = p.opts.Level
	dm.Source = filepath.Base(item.Source)
	dm.Method = p.regridder.Method()
	if dm.SpansDays() {
		p.logger.Warn().
			Str("file", item.Source).
			Time("first", dm.Times[0]).
			Time("last", dm.Times[len(dm.Times)-1]).
			Msg("Source spans more than one date, averaging all timestamps")
	}

	path := filepath.Join(item.OutputDir, OutputName(p.prefix, dm.Date()))
	if err := era5.WriteDailyMean(path, dm); err != nil {
		return "", errors.Wrap(err, item.Source)
	}
	return path, nil
}
