// Package config holds the run configuration of the regridder.
package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes one batch run.
type Config struct {
	// SourceRoot contains one {YYYY}{MM} directory per month.
	SourceRoot string `yaml:"source_root"`
	// OutputRoot receives one file per source file.
	OutputRoot string `yaml:"output_root"`
	// WeightsPath is the shared interpolation weights file.
	WeightsPath string `yaml:"weights_path"`
	// ReuseWeights loads WeightsPath when it exists instead of recomputing it.
	ReuseWeights bool `yaml:"reuse_weights"`

	StartYear int   `yaml:"start_year"`
	EndYear   int   `yaml:"end_year"`
	Months    []int `yaml:"months"`

	// Pattern is the file name glob matched inside each month directory.
	Pattern string `yaml:"pattern"`
	// Workers is the number of files processed concurrently.
	Workers int `yaml:"workers"`

	// Variable is the source field name. Empty picks the first of Z and z
	// present in each file.
	Variable     string  `yaml:"variable"`
	Level        float64 `yaml:"level"`
	OutputPrefix string  `yaml:"output_prefix"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration for the NCAR RDA ds633.0 pressure-level
// geopotential archive.
func Default() Config {
	return Config{
		SourceRoot:   "/glade/campaign/collections/rda/data/ds633.0/e5.oper.an.pl",
		OutputRoot:   "./era5_z500",
		WeightsPath:  "./nearest_s2d_721x1440_180x360.nc",
		ReuseWeights: true,
		StartYear:    1979,
		EndYear:      2020,
		Months:       []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Pattern:      "e5.oper.an.pl.128_129_z.ll025sc.*.nc",
		Workers:      runtime.NumCPU(),
		Level:        500,
		OutputPrefix: "era5_z500_",
		LogLevel:     "info",
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate checks that the configuration describes a runnable batch.
func (c Config) Validate() error {
	switch {
	case c.SourceRoot == "":
		return errors.New("source_root is required")
	case c.OutputRoot == "":
		return errors.New("output_root is required")
	case c.WeightsPath == "":
		return errors.New("weights_path is required")
	case c.Pattern == "":
		return errors.New("pattern is required")
	case c.StartYear > c.EndYear:
		return errors.Errorf("start_year %d is after end_year %d", c.StartYear, c.EndYear)
	case len(c.Months) == 0:
		return errors.New("months is empty")
	case c.Workers < 1:
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	case c.Level <= 0:
		return errors.Errorf("level must be positive, got %g", c.Level)
	}
	for _, m := range c.Months {
		if m < 1 || m > 12 {
			return errors.Errorf("month %d outside 1..12", m)
		}
	}
	return nil
}
