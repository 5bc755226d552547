package main

import (
	"context"
	"maps"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/DobryySoul/gossipconf"
	"github.com/DobryySoul/gossipconf/internal/config"
	"github.com/DobryySoul/gossipconf/internal/seed"
)

const registrationTTL = 10

func newServerCmd(f *rootFlags) *cobra.Command {
	var probeAddr string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "answer configuration requests from a seeded store",
		Long: `
Runs a node that holds the authoritative values. The store is seeded from
the config file (or the stock configservice values) and then from etcd when
endpoints are given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("probe") {
				cfg.Probe = probeAddr
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx := cmd.Context()

			values := cfg.Seed
			if values == nil {
				values = config.DefaultSeed()
			}
			var etcd *clientv3.Client
			if len(cfg.Etcd.Endpoints) > 0 {
				etcd, err = seed.NewClient(cfg.Etcd.Endpoints)
				if err != nil {
					return err
				}
				defer etcd.Close()
				loaded, err := seed.Load(ctx, etcd, cfg.Etcd.Prefix)
				if err != nil {
					return err
				}
				values = maps.Clone(values)
				maps.Copy(values, loaded)
				logger.Info("seed loaded from etcd", zap.Int("keys", len(loaded)))
			}

			opts := append(cfg.Options(),
				gossipconf.WithLogger(logger),
				gossipconf.WithRegistry(prometheus.NewRegistry()),
				gossipconf.WithBuildInfo(version, gitSHA),
			)
			if cfg.Probe != "" {
				opts = append(opts, gossipconf.WithProbeAddr(cfg.Probe))
			}
			node, err := gossipconf.NewServer(values, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = node.Close(context.Background()) }()
			logger.Info("server ready",
				zap.String("node", node.ID()),
				zap.String("addr", node.Addr()),
				zap.String("probe", node.ProbeAddr()),
				zap.Int("keys", len(values)),
			)

			if etcd != nil {
				if _, err := seed.Register(ctx, etcd, etcd, cfg.Etcd.Prefix, node.ID(), node.Addr(), registrationTTL); err != nil {
					return err
				}
			}
			return serve(ctx, node, cfg.Metrics, logger, nil)
		},
	}
	cmd.Flags().StringVar(&probeAddr, "probe", "", "answer point-to-point probes on this TCP address")
	return cmd
}
