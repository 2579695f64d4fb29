package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rtm0/era5regrid/internal/config"
	"github.com/rtm0/era5regrid/internal/pipeline"
)

type options struct {
	configPath   string
	logLevel     string
	sourceRoot   string
	outputRoot   string
	weightsPath  string
	reuseWeights bool
	startYear    int
	endYear      int
	months       []int
	workers      int
	pattern      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "era5regrid",
		Short: "Regrid ERA5 500 hPa geopotential to a 1 degree grid and average it by day",
		Long: `era5regrid reads ERA5 pressure-level geopotential files from
SOURCE_ROOT/{YYYY}{MM}/, regrids the 500 hPa level to a global 1 degree grid
with nearest-neighbour weights, averages each file over time and writes one
era5_z500_YYYY_MM_DD.nc file per source file.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := pipeline.Run(ctx, logger, cfg)
			if report != nil {
				logger.Info().
					Int("total", report.Total).
					Int("written", len(report.Outputs)).
					Int("failed", len(report.Failed)).
					Int("skipped", report.Skipped).
					Dur("in", report.Elapsed).
					Msg("Run summary")
			}
			if err != nil {
				logger.Error().Err(err).Msg("Run failed")
			}
			return err
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "path to a YAML run configuration")
	f.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&o.sourceRoot, "source", "", "root directory holding {YYYY}{MM} source directories")
	f.StringVar(&o.outputRoot, "output", "", "directory receiving daily-mean files")
	f.StringVar(&o.weightsPath, "weights", "", "path of the shared regridding weights file")
	f.BoolVar(&o.reuseWeights, "reuse-weights", true, "load the weights file when it exists instead of recomputing it")
	f.IntVar(&o.startYear, "start-year", 0, "first year to process")
	f.IntVar(&o.endYear, "end-year", 0, "last year to process")
	f.IntSliceVar(&o.months, "months", nil, "months to process, e.g. 1,2,12")
	f.IntVar(&o.workers, "workers", 0, "number of files processed concurrently")
	f.StringVar(&o.pattern, "pattern", "", "file name glob inside each month directory")

	cmd.AddCommand(newWeightsCmd(&o))
	return cmd
}

func newWeightsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "weights SAMPLE_FILE",
		Short: "Compute the regridding weights file from the grid of one source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, *o)
			if err != nil {
				return err
			}
			cfg.ReuseWeights = false
			if _, err := pipeline.PrepareRegridder(logger, cfg, args[0]); err != nil {
				logger.Error().Err(err).Msg("Could not compute weights")
				return err
			}
			return nil
		},
	}
}

// setup loads the configuration, applies flags that were set explicitly and
// creates the run logger.
func setup(cmd *cobra.Command, o options) (config.Config, zerolog.Logger, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, zerolog.Nop(), err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("source") {
		cfg.SourceRoot = o.sourceRoot
	}
	if flags.Changed("output") {
		cfg.OutputRoot = o.outputRoot
	}
	if flags.Changed("weights") {
		cfg.WeightsPath = o.weightsPath
	}
	if flags.Changed("reuse-weights") {
		cfg.ReuseWeights = o.reuseWeights
	}
	if flags.Changed("start-year") {
		cfg.StartYear = o.startYear
	}
	if flags.Changed("end-year") {
		cfg.EndYear = o.endYear
	}
	if flags.Changed("months") {
		cfg.Months = o.months
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if flags.Changed("pattern") {
		cfg.Pattern = o.pattern
	}

	logger := config.NewLogger(cfg.LogLevel, os.Stderr).
		With().
		Str("run", ulid.Make().String()).
		Logger()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return cfg, logger, err
	}
	return cfg, logger, nil
}
