package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"vssbench/internal/bench"
	"vssbench/internal/config"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

type runFlags struct {
	n, t, rounds, size, concurrency int
	mode, timeout, policy           string
	byzantine                       []string
	save                            bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one benchmark and print its result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logx.NewConsole(cfg.Logging.Level)
			var store storage.Store
			if f.save {
				if store, err = storage.Open(cfg.StorageConfig(), log); err != nil {
					return err
				}
				if store != nil {
					defer store.Close()
				}
			}
			res, err := bench.NewRunner(store, nil, log).Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.n, "n", 0, "participants")
	fl.IntVar(&f.t, "t", 0, "tolerated faults")
	fl.IntVar(&f.rounds, "rounds", 0, "rounds to run")
	fl.IntVar(&f.size, "size", 0, "message size in bytes")
	fl.IntVar(&f.concurrency, "concurrency", 0, "rounds in flight in throughput mode")
	fl.StringVar(&f.mode, "mode", "", "latency or throughput")
	fl.StringVar(&f.timeout, "round-timeout", "", "per batch deadline, e.g. 10s")
	fl.StringVar(&f.policy, "fault-policy", "", "abort or quarantine")
	fl.StringSliceVar(&f.byzantine, "byzantine", nil, "faulty nodes as index=behaviour, e.g. 3=silent")
	fl.BoolVar(&f.save, "save", false, "store the result with the configured storage driver")
	return cmd
}

// apply overrides the file config with flags the user actually set.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("n") {
		cfg.Network.N = f.n
	}
	if fl.Changed("t") {
		cfg.Network.T = f.t
	}
	if fl.Changed("rounds") {
		cfg.Bench.Rounds = f.rounds
	}
	if fl.Changed("size") {
		cfg.Bench.MessageSize = f.size
	}
	if fl.Changed("concurrency") {
		cfg.Bench.Concurrency = f.concurrency
	}
	if fl.Changed("mode") {
		cfg.Bench.Mode = f.mode
	}
	if fl.Changed("round-timeout") {
		cfg.Bench.RoundTimeout = f.timeout
	}
	if fl.Changed("fault-policy") {
		cfg.Broadcast.FaultPolicy = f.policy
	}
	if fl.Changed("byzantine") {
		cfg.Network.Byzantine = nil
		for _, raw := range f.byzantine {
			var b config.ByzantineNode
			if _, err := fmt.Sscanf(raw, "%d=%s", &b.Node, &b.Behaviour); err != nil {
				return fmt.Errorf("--byzantine %q: want index=behaviour", raw)
			}
			cfg.Network.Byzantine = append(cfg.Network.Byzantine, b)
		}
	}
	return nil
}
