package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/config"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/relay"
)

const defaultConfigFile = "configs/xtun.yaml"

func main() {
	// Parse command-line flags
	configFile := flag.String("config", defaultConfigFile, "Path to the configuration file")
	password := flag.String("password", "", "Shared secret, overrides server.password")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *password != "" {
		cfg.Server.Password = *password
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		logger.Error("Relay server failed", "err", err)
		logger.Close()
		os.Exit(1)
	}
}

// loadConfig falls back to the built-in defaults when the default file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigFile {
		log.Printf("Configuration %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

func run(cfg *config.Config) error {
	srv, err := relay.New(cfg.Server)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return srv.Run(ctx)
	})

	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			return monitoring.NewServer(cfg.Metrics.ListenAddr, srv.Ready).Run(ctx)
		})
	}
	if cfg.Metrics.ReportInterval > 0 {
		g.Go(func() error {
			return monitoring.NewMetricsReporter(cfg.Metrics.ReportInterval).Run(ctx)
		})
	}

	logger.Info("Relay server running", "control_addr", srv.ControlAddr().String(), "proxy_addr", srv.ProxyAddr().String(), "metrics_addr", cfg.Metrics.ListenAddr)

	err = g.Wait()
	logger.Info("Relay server stopped")
	return err
}
