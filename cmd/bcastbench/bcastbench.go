// bcastbench benchmarks one-to-many broadcast strategies over point-to-point
// messaging. It either runs the whole process group in-process (one goroutine
// per rank) or joins a TCP mesh as a single rank of a distributed group.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bcastlab/bcastbench/bcast"
	"github.com/bcastlab/bcastbench/comm/chancomm"
	"github.com/bcastlab/bcastbench/comm/tcpcomm"
	"github.com/bcastlab/bcastbench/config"
	"github.com/bcastlab/bcastbench/harness"
	"github.com/bcastlab/bcastbench/metrics"
)

var defaults = config.DefaultConfig()

var cmd = &cobra.Command{
	Use:   "bcastbench <implementation name>",
	Short: "benchmark broadcast implementations over a process group",
	Long: "bcastbench broadcasts a pseudo-random payload from rank 0 to every rank of " +
		"the group with the selected implementation, verifies all ranks hold identical " +
		"bytes via checksums collected at the root, and prints the wall-clock time of a " +
		"consistent run.",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(c *cobra.Command, args []string) error {
		conf, err := parseConfig(args[0])
		if err != nil {
			// Configuration errors are printed once, by rank 0 only,
			// before any communication.
			if confRank() == 0 {
				fmt.Fprintln(os.Stderr, err)
				c.Usage()
			}
			return err
		}
		return run(c.Context(), conf)
	},
}

func addFlags(c *cobra.Command) {
	flags := c.PersistentFlags()
	flags.String("config", "", "load configuration from file")
	flags.IntP("chunk-size", "c", defaults.ChunkSize,
		"chunk size in bytes for message splitting (0 means the whole payload)")
	flags.Int("num-bytes", defaults.NumBytes, "number of bytes to broadcast")
	flags.Int64("seed", defaults.Seed, "seed of the payload generator")
	flags.String("transport", defaults.Transport,
		fmt.Sprintf("group transport (%s, %s)", config.TransportChan, config.TransportTCP))
	flags.IntP("procs", "n", defaults.Procs, "number of ranks in chan mode")
	flags.Int("rank", defaults.Rank, "this process's rank in tcp mode")
	flags.StringSlice("addrs", defaults.Addrs, "listen address of every rank, in rank order (tcp mode)")
	flags.Bool("track-all-sends", defaults.TrackAllSends,
		"wait on every async send handle instead of reproducing the reference last-handle waits")
	flags.Bool("metrics", defaults.CollectMetrics, "log transfer metric totals after the run")
	flags.String("log-level", defaults.LogLevel, "debug, info, warn or error")
	if err := viper.BindPFlags(flags); err != nil {
		fmt.Println("an error has occurred while binding flags:", err)
	}
}

func init() {
	addFlags(cmd)
}

// confRank is the rank this process will assume, readable before the full
// config parsed so error printing can be limited to rank 0.
func confRank() int {
	if viper.GetString("transport") == config.TransportTCP {
		return viper.GetInt("rank")
	}
	return 0
}

func parseConfig(strategy string) (config.Config, error) {
	conf := config.DefaultConfig()
	if err := config.LoadConfig(viper.GetString("config"), viper.GetViper()); err != nil {
		return conf, err
	}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := viper.Unmarshal(&conf, viper.DecodeHook(hook)); err != nil {
		return conf, fmt.Errorf("parse config: %w", err)
	}
	conf.Strategy = strategy
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return zcfg.Build()
}

func run(ctx context.Context, conf config.Config) error {
	logger, err := newLogger(conf.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	strategy, err := bcast.New(conf.Strategy, bcast.Options{TrackAllSends: conf.TrackAllSends})
	if err != nil {
		return err
	}
	params := harness.Params{
		NumBytes:  conf.NumBytes,
		ChunkSize: conf.ChunkSize,
		Seed:      conf.Seed,
		Clock:     clockwork.NewRealClock(),
		Logger:    logger,
	}

	var report harness.Report
	switch conf.Transport {
	case config.TransportChan:
		report, err = runInProcess(ctx, conf, strategy, params)
	case config.TransportTCP:
		report, err = runRank(ctx, conf, strategy, params, logger)
	}
	if err != nil {
		return err
	}

	// Rank 0 owns the operator-facing result.
	if conf.Transport == config.TransportChan || conf.Rank == 0 {
		if !report.Consistent {
			fmt.Fprintln(os.Stderr, "\t** Non-matching checksum! **")
		} else {
			fmt.Println(report.Line(conf.Strategy, conf.ChunkSize))
		}
	}
	if conf.CollectMetrics {
		logTotals(logger)
	}
	return nil
}

// runInProcess runs the whole group as goroutines over the chan transport
// and returns rank 0's report.
func runInProcess(ctx context.Context, conf config.Config, strategy bcast.Strategy, params harness.Params) (harness.Report, error) {
	eps, err := chancomm.New(conf.Procs)
	if err != nil {
		return harness.Report{}, err
	}
	var report harness.Report
	eg, ctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		ep := ep
		eg.Go(func() error {
			defer ep.Close()
			r, err := harness.Run(ctx, ep, strategy, params)
			if err != nil {
				return fmt.Errorf("rank %d: %w", ep.Rank(), err)
			}
			if ep.Rank() == 0 {
				report = r
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return harness.Report{}, err
	}
	return report, nil
}

// runRank joins the TCP mesh as one rank of a distributed group.
func runRank(ctx context.Context, conf config.Config, strategy bcast.Strategy, params harness.Params, logger *zap.Logger) (harness.Report, error) {
	ep, err := tcpcomm.New(ctx, conf.Rank, conf.Addrs, conf.NumBytes+64, logger)
	if err != nil {
		return harness.Report{}, err
	}
	defer ep.Close()
	return harness.Run(ctx, ep, strategy, params)
}

func logTotals(logger *zap.Logger) {
	totals, err := metrics.Gather()
	if err != nil {
		logger.Warn("gathering metrics failed", zap.Error(err))
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Info("metric", zap.String("name", name), zap.Float64("value", totals[name]))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
