package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf"
	"github.com/DobryySoul/gossipconf/internal/config"
	"github.com/DobryySoul/gossipconf/internal/seed"
)

func newClientCmd(f *rootFlags) *cobra.Command {
	var (
		sets    []string
		stay    bool
		ackWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "client [KEY...]",
		Short: "resolve a want-list of keys from the servers on the topic",
		Long: `
Runs a node that asks for every listed key until each one has a value, then
prints the values. Keys default to the config file wants, or the stock
configservice keys. A server without a key answers NONE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return err
			}
			pending, err := parseSets(sets)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx := cmd.Context()

			wants := args
			if len(wants) == 0 {
				wants = cfg.Wants
			}
			if len(wants) == 0 {
				wants = config.DefaultWants()
			}
			if len(cfg.Etcd.Endpoints) > 0 {
				etcd, err := seed.NewClient(cfg.Etcd.Endpoints)
				if err != nil {
					return err
				}
				peers, err := seed.Peers(ctx, etcd, cfg.Etcd.Prefix)
				_ = etcd.Close()
				if err != nil {
					return err
				}
				cfg.Peers = append(cfg.Peers, peers...)
			}

			opts := append(cfg.Options(),
				gossipconf.WithLogger(logger),
				gossipconf.WithRegistry(prometheus.NewRegistry()),
				gossipconf.WithBuildInfo(version, gitSHA),
			)
			node, err := gossipconf.NewClient(wants, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = node.Close(context.Background()) }()
			logger.Info("client ready", zap.String("node", node.ID()), zap.String("addr", node.Addr()), zap.Strings("wants", wants))

			report := func(ctx context.Context) error {
				values, err := node.Wait(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, key := range slices.Sorted(maps.Keys(values)) {
					fmt.Fprintf(out, "%s = %s\n", key, values[key])
				}
				for _, kv := range pending {
					if err := node.Set(ctx, kv[0], kv[1]); err != nil {
						return err
					}
				}
				if stay {
					return nil
				}
				if len(pending) > 0 {
					ackCtx, cancel := context.WithTimeout(ctx, ackWait)
					err := node.WaitAcks(ackCtx)
					cancel()
					if errors.Is(err, gossipconf.ErrTimeout) {
						logger.Warn("sets not acknowledged", zap.Duration("ack_wait", ackWait))
					} else if err != nil {
						return err
					}
				}
				return errDone
			}
			return serve(ctx, node, cfg.Metrics, logger, report)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "broadcast key=value after converging, repeatable; without --stay the command waits up to --ack-wait for acknowledgements")
	cmd.Flags().BoolVar(&stay, "stay", false, "keep running after converging")
	cmd.Flags().DurationVar(&ackWait, "ack-wait", 2*time.Second, "how long to wait for --set acknowledgements before exiting")
	return cmd
}

func parseSets(sets []string) ([][2]string, error) {
	out := make([][2]string, 0, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", s)
		}
		out = append(out, [2]string{key, value})
	}
	return out, nil
}
