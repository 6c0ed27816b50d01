// Command node runs one ringd ring-overlay chat process: it binds a
// TCP listener for peer connections, reaches a bootstrap directory
// (the <dir-ip> <dir-port> arguments are required with the default udp
// backend; only the route53 backend runs without them), and drives
// stdin/peer traffic through the single-threaded
// event loop until an "exit" command or a closed stdin ends it.
// Grounded on the teacher's cmd/node/main.go wiring order (flags →
// config → logger → listener → collaborators → signal-driven
// shutdown), adapted to this protocol's positional identity arguments
// (spec.md §6) instead of a fully config-file-driven DHT identity: a
// node has no id of its own until a "join"/"dj" command supplies one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ringd/internal/config"
	"ringd/internal/directory"
	"ringd/internal/directory/route53"
	"ringd/internal/logger"
	zapfactory "ringd/internal/logger/zap"
	"ringd/internal/node"
	"ringd/internal/ringproto"
	"ringd/internal/telemetry"
)

var defaultConfigPath = "config/node/config.yaml"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: node [-config path] [-x command] [-v level] <own-ip> <own-tcp-port> [<dir-ip> <dir-port>]")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file (optional; falls back to built-in defaults)")
	initialCmd := flag.String("x", "", `initial stdin command to run once the node starts, e.g. "dj 1 1 10.0.0.1 9000"`)
	verbosity := flag.String("v", "", "log level override (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 && len(args) != 4 {
		usage()
		os.Exit(2)
	}
	ownIPArg, ownPort := args[0], args[1]

	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration from %q: %v", *configPath, err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnvOverrides()
	if *verbosity != "" {
		cfg.Logger.Level = *verbosity
	}
	if err := cfg.ValidateConfig(); err != nil {
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

	ownIP, err := config.ResolveOwnIP(ownIPArg)
	if err != nil {
		lgr.Error("failed to resolve own ip", logger.F("err", err.Error()))
		os.Exit(1)
	}

	listener, err := config.Listen(ownIP, ownPort)
	if err != nil {
		lgr.Error("failed to bind listener", logger.F("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = listener.Close() }()
	lgr.Info("listening for peer connections", logger.F("addr", listener.Addr().String()))

	shutdownTracer := telemetry.InitTracer(cfg.Telemetry, "ringd-node", ringproto.NoID)
	defer func() { _ = shutdownTracer(context.Background()) }()
	tel := telemetry.New()

	var dir node.Directory
	switch cfg.Directory.Backend {
	case "route53":
		d, err := route53.New(context.Background(), cfg.Directory.Route53.HostedZoneID, cfg.Directory.Route53.DomainSuffix, cfg.Directory.Route53.TTL)
		if err != nil {
			lgr.Error("failed to initialize route53 directory", logger.F("err", err.Error()))
			os.Exit(1)
		}
		dir = d
	default:
		if len(args) != 4 {
			lgr.Error("udp directory backend requires <dir-ip> <dir-port> positional arguments")
			os.Exit(1)
		}
		d, err := directory.Dial(args[2], args[3])
		if err != nil {
			lgr.Error("failed to dial directory", logger.F("err", err.Error()))
			os.Exit(1)
		}
		d.SetTimeout(cfg.Directory.Timeout)
		defer func() { _ = d.Close() }()
		dir = d
	}

	n := node.New(ringproto.NoID, ownIP, ownPort, listener, dir, cfg.Timeouts.Connect, tel, lgr.Named("node"))
	n.Ring.SetPredecessorTimeout(cfg.Timeouts.Predecessor)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		lgr.Warn("received termination signal, shutting down")
		n.Ring.LeaveRing()
		_ = n.Close()
	}()

	if *initialCmd != "" {
		n.Loop.InjectLine(*initialCmd)
	}

	n.Run()
	lgr.Info("node stopped")
}
