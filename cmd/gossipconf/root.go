package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DobryySoul/gossipconf"
	"github.com/DobryySoul/gossipconf/internal/config"
)

// errDone ends serve without reporting a failure.
var errDone = errors.New("done")

type rootFlags struct {
	configPath  string
	nodeID      string
	listen      string
	peers       []string
	topic       string
	minPeers    int
	askInterval time.Duration
	requestTTL  time.Duration
	noMDNS      bool
	metrics     string
	etcd        []string
	etcdPrefix  string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "gossipconf",
		Short:         "configuration discovery over a gossip overlay",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version + " (" + gitSHA + ")",
	}
	f.register(cmd.PersistentFlags())

	cmd.AddCommand(newServerCmd(f), newClientCmd(f), newProbeCmd())
	return cmd
}

func (f *rootFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.nodeID, "id", "", "node id (default: random UUID)")
	fs.StringVarP(&f.listen, "listen", "l", "", "UDP overlay address in host:port form")
	fs.StringSliceVarP(&f.peers, "peer", "p", nil, "peer address to dial, repeatable")
	fs.StringVar(&f.topic, "topic", "", "overlay topic")
	fs.IntVar(&f.minPeers, "min-peers", 0, "mesh peers required before asking")
	fs.DurationVar(&f.askInterval, "ask-interval", 0, "minimum spacing between request rounds")
	fs.DurationVar(&f.requestTTL, "request-ttl", 0, "how long unanswered requests are kept")
	fs.BoolVar(&f.noMDNS, "no-mdns", false, "disable mDNS peer discovery")
	fs.StringVar(&f.metrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringSliceVar(&f.etcd, "etcd-endpoints", nil, "etcd endpoints for seed values and peer registration")
	fs.StringVar(&f.etcdPrefix, "etcd-prefix", "", "etcd key prefix")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// load merges defaults, the config file, the environment and the flags that
// were set explicitly, in that order.
func (f *rootFlags) load(fs *pflag.FlagSet) (config.File, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.File{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	if fs.Changed("id") {
		cfg.NodeID = f.nodeID
	}
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("peer") {
		cfg.Peers = f.peers
	}
	if fs.Changed("topic") {
		cfg.Topic = f.topic
	}
	if fs.Changed("min-peers") {
		cfg.MinPeers = f.minPeers
	}
	if fs.Changed("ask-interval") {
		cfg.AskInterval = f.askInterval
	}
	if fs.Changed("request-ttl") {
		cfg.RequestTTL = f.requestTTL
	}
	if fs.Changed("no-mdns") {
		cfg.Discovery = !f.noMDNS
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics = f.metrics
	}
	if fs.Changed("etcd-endpoints") {
		cfg.Etcd.Endpoints = f.etcd
	}
	if fs.Changed("etcd-prefix") {
		cfg.Etcd.Prefix = f.etcdPrefix
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

// serve runs node and, when addr is set, a metrics endpoint until ctx ends
// or either fails.
func serve(ctx context.Context, node *gossipconf.Node, addr string, logger *zap.Logger, after func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := node.Run(gctx)
		if errors.Is(err, gossipconf.ErrCanceled) {
			return nil
		}
		return err
	})
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", node.MetricsHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if after != nil {
		g.Go(func() error { return after(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}
