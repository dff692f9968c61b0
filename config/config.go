// Package config contains the benchmark run configuration definitions.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/bcastlab/bcastbench/bcast"
)

// Transport names accepted by the transport option.
const (
	TransportChan = "chan"
	TransportTCP  = "tcp"
)

// Defaults recovered from the original benchmark.
const (
	DefaultSeed     = 842270
	DefaultNumBytes = 100_000_000
)

// Config is the top level configuration for a benchmark run.
type Config struct {
	// Strategy is the broadcast implementation name, see bcast.Names().
	Strategy string `mapstructure:"strategy"`

	NumBytes int `mapstructure:"num-bytes"`
	// ChunkSize of 0 means the whole payload in one chunk.
	ChunkSize int   `mapstructure:"chunk-size"`
	Seed      int64 `mapstructure:"seed"`

	// Transport selects how the group is connected: "chan" runs all ranks
	// as goroutines of this process, "tcp" runs one process per rank.
	Transport string `mapstructure:"transport"`
	// Procs is the group size in chan mode.
	Procs int `mapstructure:"procs"`
	// Rank and Addrs describe this process's place in the tcp mesh.
	Rank  int      `mapstructure:"rank"`
	Addrs []string `mapstructure:"addrs"`

	// TrackAllSends waits on every asynchronous send handle instead of
	// reproducing the reference benchmark's last-handle-only waits.
	TrackAllSends bool `mapstructure:"track-all-sends"`

	CollectMetrics bool   `mapstructure:"metrics"`
	LogLevel       string `mapstructure:"log-level"`
	ConfigFile     string `mapstructure:"config"`
}

// DefaultConfig returns the default benchmark configuration.
func DefaultConfig() Config {
	return Config{
		NumBytes:      DefaultNumBytes,
		Seed:          DefaultSeed,
		Transport:     TransportChan,
		Procs:         4,
		TrackAllSends: true,
		LogLevel:      "info",
	}
}

// LoadConfig reads the config file into vip, if one was given.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		return nil
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", fileLocation, err)
	}
	return nil
}

// Validate checks the configuration and resolves the chunk size default.
// All violations here are configuration errors: fatal, reported before any
// communication happens.
func (cfg *Config) Validate() error {
	if _, err := bcast.New(cfg.Strategy, bcast.DefaultOptions()); err != nil {
		return err
	}
	if cfg.NumBytes < 1 {
		return fmt.Errorf("num-bytes must be at least 1, got %d", cfg.NumBytes)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = cfg.NumBytes
	}
	if cfg.ChunkSize < 1 {
		return fmt.Errorf("chunk-size must be at least 1, got %d", cfg.ChunkSize)
	}
	switch cfg.Transport {
	case TransportChan:
		if cfg.Procs < 1 {
			return fmt.Errorf("procs must be at least 1, got %d", cfg.Procs)
		}
	case TransportTCP:
		if len(cfg.Addrs) == 0 {
			return fmt.Errorf("tcp transport needs the addrs list")
		}
		if cfg.Rank < 0 || cfg.Rank >= len(cfg.Addrs) {
			return fmt.Errorf("rank %d outside addrs list of %d", cfg.Rank, len(cfg.Addrs))
		}
	default:
		return fmt.Errorf("unknown transport %q, valid: %s, %s",
			cfg.Transport, TransportChan, TransportTCP)
	}
	return nil
}
