package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	alog "github.com/lesismal/arpc/log"

	"github.com/driftlab/ringkv/internal/client"
	"github.com/driftlab/ringkv/internal/cluster"
	"github.com/driftlab/ringkv/internal/controller"
	"github.com/driftlab/ringkv/internal/crdt"
	"github.com/driftlab/ringkv/internal/node"
	"github.com/driftlab/ringkv/internal/protocol"
	"github.com/driftlab/ringkv/internal/replication"
	"github.com/driftlab/ringkv/internal/server"
	"github.com/driftlab/ringkv/internal/storage"
)

type Config struct {
	NodeID     string
	Addr       string
	DataDir    string
	Controller bool
	JoinAddr   string
	Slots      int
}

// SetLevel(lvl int)
// Debug(format string, v ...interface{})
// Info(format string, v ...interface{})
// Warn(format string, v ...interface{})
// Error(format string, v ...interface{})
type ALogAdapter struct {
	logger zerolog.Logger
}

func (a *ALogAdapter) SetLevel(level int) {
	switch level {
	case alog.LevelDebug:
		a.logger = a.logger.Level(zerolog.DebugLevel)
	case alog.LevelInfo:
		a.logger = a.logger.Level(zerolog.InfoLevel)
	case alog.LevelWarn:
		a.logger = a.logger.Level(zerolog.WarnLevel)
	case alog.LevelError:
		a.logger = a.logger.Level(zerolog.ErrorLevel)
	}
}

func (a *ALogAdapter) Debug(format string, v ...interface{}) {
	a.logger.Debug().Msgf(format, v...)
}

func (a *ALogAdapter) Info(format string, v ...interface{}) {
	a.logger.Info().Msgf(format, v...)
}

func (a *ALogAdapter) Warn(format string, v ...interface{}) {
	a.logger.Warn().Msgf(format, v...)
}

func (a *ALogAdapter) Error(format string, v ...interface{}) {
	a.logger.Error().Msgf(format, v...)
}

// bindScopes declares the CRDT types this deployment serves. Bindings are
// code-level configuration: every node of a cluster must agree on them.
func bindScopes(registry *crdt.Registry) error {
	if err := crdt.BindIn[crdt.Set[string]](registry, "tags"); err != nil {
		return err
	}
	if err := crdt.BindIn[crdt.GCounter](registry, "counters"); err != nil {
		return err
	}
	if err := crdt.BindIn[crdt.Versioned[crdt.Max[string]]](registry, "registers"); err != nil {
		return err
	}
	if err := crdt.BindIn[crdt.Tombstone[crdt.Versioned[crdt.Max[string]]]](registry, "documents"); err != nil {
		return err
	}
	return nil
}

func main() {
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	alog.DefaultLogger = &ALogAdapter{logger: logger}

	cfg := parseFlags()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("addr", cfg.Addr).
		Str("data_dir", cfg.DataDir).
		Bool("controller", cfg.Controller).
		Msg("starting node")

	store, err := storage.Open(filepath.Join(cfg.DataDir, "store"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}

	registry := crdt.NewRegistry()
	if err := bindScopes(registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to bind scopes")
	}

	pool := cluster.NewPool(logger)
	repl := replication.NewManager(pool, replication.DefaultConfig(), logger)
	repl.Start()

	info := protocol.NodeInfo{ID: cfg.NodeID, Address: cfg.Addr}
	n, err := node.New(node.Config{Info: info}, store, registry, pool, repl, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create node")
	}

	var ctl *controller.Controller
	if cfg.Controller {
		ctlStore, err := controller.OpenStore(filepath.Join(cfg.DataDir, "controller.db"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open controller store")
		}
		ctl, err = controller.New(controller.Config{Slots: cfg.Slots}, ctlStore, pool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create controller")
		}
		ctl.Start()
	}

	srv := server.NewServer(n, ctl, logger)
	go func() {
		if err := srv.Run(cfg.Addr); err != nil {
			logger.Fatal().Err(err).Msg("server exited")
		}
	}()

	if cfg.JoinAddr != "" {
		if err := join(cfg, info, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to join cluster")
		}
		logger.Info().Str("controller", cfg.JoinAddr).Msg("joined cluster")
	}

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt, syscall.SIGTERM)
	<-terminate

	logger.Info().Msg("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("failed to stop server")
	}
	if ctl != nil {
		if err := ctl.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close controller")
		}
	}
	repl.Stop()
	n.Close()
	pool.Close()
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close storage")
	}
}

// join registers this node with the controller, retrying while the local
// listener and the controller come up.
func join(cfg *Config, info protocol.NodeInfo, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var lastErr error
	for ctx.Err() == nil {
		cl, err := client.NewClient(cfg.JoinAddr, logger)
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		err = cl.Join(ctx, info, cfg.Slots)
		cl.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return fmt.Errorf("join timed out: %w", lastErr)
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.NodeID, "id", "", "Node ID (required)")
	flag.StringVar(&cfg.Addr, "addr", "localhost:8000", "Listen address")
	flag.StringVar(&cfg.DataDir, "data-dir", "data", "Directory to store data")
	flag.BoolVar(&cfg.Controller, "controller", false, "Run the cluster controller in this process")
	flag.StringVar(&cfg.JoinAddr, "join", "", "Controller address to register with (defaults to own address when -controller is set)")
	flag.IntVar(&cfg.Slots, "slots", 0, "Virtual nodes to own (controller default when 0)")

	flag.Parse()

	if cfg.NodeID == "" {
		log.Fatal("Node ID is required")
	}
	if cfg.JoinAddr == "" && cfg.Controller {
		cfg.JoinAddr = cfg.Addr
	}
	if cfg.JoinAddr == "" {
		log.Fatal("A controller address is required (-join) on non-controller nodes")
	}

	return cfg
}
