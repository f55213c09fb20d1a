// Package repair parses flags for the offline journal repair command.
package repair

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	entrypoint "github.com/louisbranch/eventlog/internal/platform/cmd"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	boltstore "github.com/louisbranch/eventlog/internal/services/eventlog/storage/bbolt"
)

// Config holds repair command configuration.
type Config struct {
	Path      string `env:"EVENTLOG_BBOLT_PATH" envDefault:"data/eventlog.db"`
	Threshold int    `env:"EVENTLOG_REPAIR_MISSING_THRESHOLD" envDefault:"100000"`
	Verbose   bool   `env:"EVENTLOG_REPAIR_VERBOSE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Path, "path", cfg.Path, "The bbolt journal to repair")
	fs.IntVar(&cfg.Threshold, "threshold", cfg.Threshold, "Consecutive missing sequences that end the scan")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "List every removed sequence")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return Config{}, errors.New("journal path is required")
	}
	return cfg, nil
}

// Run repairs the journal and writes a summary to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output writer is required")
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRepair, func(context.Context) error {
		result, err := boltstore.RepairFile(cfg.Path,
			storage.WithRepairThreshold(cfg.Threshold),
			storage.WithLogf(log.Printf))
		if err != nil {
			return fmt.Errorf("repair %s: %w", cfg.Path, err)
		}
		fmt.Fprintf(out, "last confirmed sequence: %d\n", result.LastConfirmed)
		fmt.Fprintf(out, "removed entries: %d\n", len(result.Removed))
		if cfg.Verbose {
			for _, seq := range result.Removed {
				fmt.Fprintf(out, "  removed %d\n", seq)
			}
		}
		return nil
	})
}
