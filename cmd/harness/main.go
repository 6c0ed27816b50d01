// Command harness drives a small Docker-backed ringd cluster through
// the join and chat scenarios in internal/harness, recording results
// to CSV when configured to.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringd/internal/harness"
	"ringd/internal/harness/writer"
	"ringd/internal/logger"
	zapfactory "ringd/internal/logger/zap"

	"github.com/docker/docker/client"
)

var defaultConfigPath = "config/harness/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	var cfg *harness.Config
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = harness.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration from %q: %v", *configPath, err)
		}
	} else {
		cfg = harness.Default()
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var lgr logger.Logger
	if cfg.Logger.Active {
		zapLog, err := zapfactory.New(cfg.Logger)
		if err != nil {
			log.Fatalf("failed to initialize logger: %v", err)
		}
		defer func() { _ = zapLog.Sync() }()
		lgr = zapfactory.NewZapAdapter(zapLog)
	} else {
		lgr = &logger.NopLogger{}
	}
	cfg.LogConfig(lgr)

	var w writer.Writer
	if cfg.CSV.Enabled {
		cw, err := writer.NewCSVWriter(cfg.CSV.Path)
		if err != nil {
			lgr.Error("failed to initialize CSV writer", logger.F("err", err.Error()))
			return
		}
		w = cw
	} else {
		w = writer.NopWriter{}
	}
	defer w.Close()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		lgr.Error("failed to initialize docker client", logger.F("err", err.Error()))
		return
	}
	defer docker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		lgr.Warn("received termination signal", logger.F("signal", sig.String()))
		cancel()
	}()

	h := harness.New(cfg, lgr.Named("harness"), w, docker)
	start := time.Now()
	if err := h.Run(ctx); err != nil {
		lgr.Error("harness run failed", logger.F("err", err.Error()))
	}
	lgr.Info("harness finished", logger.F("elapsed", time.Since(start).String()))
}
