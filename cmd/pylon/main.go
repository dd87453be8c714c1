package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pylon/internal/cluster"
	"pylon/internal/config"
	"pylon/internal/logger"
	"pylon/internal/monitor"
	"pylon/internal/server"
	"pylon/internal/storage"
	"pylon/internal/telemetry"
)

const (
	version          = "0.2.1"
	portAttempts     = 100
	configWatchEvery = 2 * time.Second
	shutdownTimeout  = 5 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		host       = flag.String("host", "0.0.0.0", "address the web server binds to")
	)
	flag.Parse()

	if err := run(*configPath, *host); err != nil {
		fmt.Fprintf(os.Stderr, "pylon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, host string) error {
	created, err := config.EnsureExists(configPath)
	if err != nil {
		return err
	}

	cfgStore, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := cfgStore.Current()
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.WithComponent("main")
	if created {
		log.Info().Str("path", configPath).Msg("wrote default configuration")
	}
	log.Info().Int("remote_pylons", len(cfg.RemotePylons)).Str("path", configPath).Msg("configuration loaded")

	instanceID := uuid.NewString()
	telemetry.SetBuildInfo(version)

	listener, port, err := server.ListenAvailable(host, cfg.LocalPort, portAttempts)
	if err != nil {
		return err
	}
	if port != cfg.LocalPort {
		log.Warn().Uint16("configured", cfg.LocalPort).Uint16("actual", port).Msg("configured port busy, using next free port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sysmon := monitor.NewSystemMonitor(cfg.MetricsInterval(), logger.WithComponent("monitor"))
	sysmon.Start()
	defer sysmon.Stop()

	go cfgStore.Watch(ctx, configWatchEvery, logger.WithComponent("config"))

	statuses := storage.NewStatusStore()
	svc := cluster.NewService(cfgStore, statuses, cluster.SelfKeys(cfg.AdvertiseHost, host, port), logger.WithComponent("cluster"))
	svc.Start(ctx)
	defer svc.Stop()

	srv := server.New(server.Options{
		Config:       cfgStore,
		Peers:        svc,
		System:       sysmon,
		Version:      version,
		InstanceID:   instanceID,
		PushInterval: cfg.PollInterval(),
		Log:          logger.WithComponent("server"),
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	log.Info().
		Str("addr", listener.Addr().String()).
		Str("instance_id", instanceID).
		Str("version", version).
		Msg("pylon listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case <-svc.Done():
		if err := svc.Err(); err != nil {
			runErr = err
			log.Error().Err(err).Msg("peer poller terminated, shutting down")
		}
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	return runErr
}
