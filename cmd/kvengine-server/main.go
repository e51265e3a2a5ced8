package main

// kvengine-server runs the node process: it listens for inbound replication
// connections, exposes the configured views over the wire protocol, and
// dials every configured peer to keep an outbound ReplicationHub running
// against it. Grounded on the teacher's cobra root command shape
// (cmd/synnergy/main.go) with PersistentPreRunE config loading adapted from
// cmd/cli/connection_pool.go.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticekv/core"
	appconfig "latticekv/pkg/config"
)

var cfg *appconfig.Config

func loadConfig(cmd *cobra.Command, _ []string) error {
	env, _ := cmd.Flags().GetString("env")
	loaded, err := appconfig.Load(env)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(f)
		}
	}
	return log
}

func resolveCodec(name string) (core.Codec, error) {
	switch name {
	case "binary", "":
		return core.BinaryCodec{}, nil
	case "text":
		return core.TextCodec{}, nil
	default:
		return nil, fmt.Errorf("kvengine-server: unknown codec %q", name)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	codec, err := resolveCodec(cfg.Wire.Codec)
	if err != nil {
		return err
	}

	var metrics *core.Metrics
	if cfg.Metrics.Enabled {
		metrics = core.NewMetrics()
		srv := metrics.StartMetricsServer(cfg.Metrics.Addr, log)
		defer srv.Close()
	}

	defaultStore := core.NewMemStore()
	tree := core.NewAssetTree()
	tree.Register("/kv?view=default", &core.View{
		Name:        "default",
		Store:       defaultStore,
		Replication: core.NewReplicationStore(cfg.Node.ID, core.NewStoreChangeApplier(defaultStore), metrics),
	})

	engine := core.NewEngine(cfg.Node.ID, tree, codec, log, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defaultView, _ := tree.Lookup("/kv?view=default")
	// A hub pulls the remote side's changes into our view, so run one over
	// each accepted connection too, not just the ones we dial ourselves;
	// otherwise a peer that dials us never has its changes pulled in here.
	engine.OnConnect = func(mux *core.Mux) {
		hub := core.NewReplicationHub(defaultView, mux, "/kv?view=default", cfg.Node.ID, log, metrics)
		go func() {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("server: inbound replication hub ended")
			}
		}()
	}

	go func() {
		if err := engine.Serve(ctx, cfg.Node.ListenAddr); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("server: listener exited")
		}
	}()

	dialer := core.NewConnDialer(core.NewDialer(5*time.Second, 30*time.Second))
	for _, peer := range cfg.Peers {
		peerCSP := "/kv?view=default"
		client := core.NewClient(peer.Addr, core.ClientConfig{
			Codec:            codec,
			Dialer:           dialer,
			Log:              log,
			Metrics:          metrics,
			ReconnectBackoff: time.Duration(cfg.Reconnect.BackoffMS) * time.Millisecond,
			// The peer we're dialing also runs a hub back over this same
			// socket (its Engine.OnConnect), so this side needs a dispatcher
			// of its own to answer it.
			Tree:   tree,
			SelfID: cfg.Node.ID,
			OnConnect: func(mux *core.Mux) {
				hub := core.NewReplicationHub(defaultView, mux, peerCSP, cfg.Node.ID, log, metrics)
				go func() {
					if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
						log.WithError(err).WithField("peer", peer.Addr).Warn("server: replication hub ended")
					}
				}()
			},
		})
		go func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("server: peer client exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("server: shutting down")
	cancel()
	engine.Close()
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "kvengine-server",
		Short:             "Run a latticekv replication node",
		PersistentPreRunE: loadConfig,
		RunE:              runServe,
	}
	rootCmd.PersistentFlags().String("env", "", "environment overlay to merge on top of config/default.yaml")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
