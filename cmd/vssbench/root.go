package main

import (
	"strings"

	"github.com/spf13/cobra"

	"vssbench/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "vssbench",
		Short: "benchmark reliable broadcast over a simulated network",
		Long: `vssbench runs Bracha reliable broadcast rounds between simulated
participants, some of which may be silent or corrupt, and reports delivery
latency and message complexity.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (.json, .yaml or .toml)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newRunCmd(f), newServeCmd(f))
	return cmd
}

// load reads the config file, or the defaults when none is given. A nil
// manager means there is no file to watch.
func (f *rootFlags) load() (*config.Config, *config.Manager, error) {
	var (
		cfg *config.Config
		mgr *config.Manager
	)
	if strings.TrimSpace(f.configPath) == "" {
		cfg = config.Default()
	} else {
		mgr = config.NewManager(f.configPath)
		var err error
		if cfg, err = mgr.Load(); err != nil {
			return nil, nil, err
		}
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, mgr, nil
}
