package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/scripthost/compiler"
	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/rpc"
	"github.com/wippyai/scripthost/scriptstore"
	"github.com/wippyai/scripthost/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to worker.toml")
		listen     = flag.String("listen", "", "Scheduler endpoint address (overrides config)")
	)
	flag.Parse()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg serviceConfig) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()
	engine.SetLogger(log)

	var store scriptstore.Store
	if cfg.ScriptDB != "" {
		sq, err := scriptstore.Open(cfg.ScriptDB)
		if err != nil {
			return err
		}
		defer sq.Close()
		store = sq
	}

	glog := guildlog.NewBuffered(log.Named("guild"), 1024)
	defer glog.Close()

	sup, err := worker.NewSupervisor(cfg.Worker, worker.Deps{
		Factory:  engine.NewWazero,
		Compiler: compiler.Native{},
		Store:    store,
		GuildLog: glog,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	srv := rpc.NewServer(sup)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(cfg.Listen) }()

	select {
	case <-ctx.Done():
		log.Info("signal received, draining")
	case err := <-serveErr:
		if err != nil {
			log.Error("rpc server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("drain incomplete", zap.Error(err))
	}
	return srv.Stop(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
