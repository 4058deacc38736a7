package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ao/workbench/internal/bucket"
	"github.com/ao/workbench/internal/cleanup"
	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/internal/health"
	"github.com/ao/workbench/internal/queue"
	"github.com/ao/workbench/internal/ratelimit"
	"github.com/ao/workbench/internal/resources"
	"github.com/ao/workbench/internal/store"
	"github.com/ao/workbench/internal/swarm"
	"github.com/ao/workbench/internal/web"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// server owns every component with a lifecycle, in start order. Shutdown
// walks the reverse order so nothing writes to a closed store.
type server struct {
	store   *store.Store
	runtime *swarm.Client
	monitor *health.Monitor
	pool    *queue.Manager
	reaper  *cleanup.Service
	limiter *ratelimit.Limiter
	web     *web.Server
	logger  *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "workbench",
		Short: "Workbench development-environment orchestration control plane",
		Long: `Workbench provisions, tracks, and retires ephemeral per-user
development-environment containers on a Docker Swarm cluster.`,
		Run: func(cmd *cobra.Command, args []string) {
			log.Infof("Starting Workbench %s (built at %s)", Version, BuildTime)
			runServer(log, configPath)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", os.Getenv("WORKBENCH_CONFIG"),
		"Path to the YAML configuration file (can also be set via WORKBENCH_CONFIG)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Workbench %s (built at %s)\n", Version, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runServer(log *logrus.Logger, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Production {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	srv, err := createServer(cfg, log)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Workbench is running. Press Ctrl+C to stop.")
	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	srv.shutdown()
	log.Info("Shutdown complete")
}

func createServer(cfg *config.Config, log *logrus.Logger) (*server, error) {
	metadata, err := store.New(cfg.Storage.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata store: %w", err)
	}

	runtime, err := swarm.NewClient(cfg.Runtime, log)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("failed to create runtime client: %w", err)
	}

	monitor := resources.NewMonitor(cfg.Resources, runtime, log)
	validator := bucket.NewValidator(log)
	healthMonitor := health.NewMonitor(cfg.Health, metadata, log)
	pool := queue.NewManager(cfg.Queue, runtime, monitor, log)
	reaper := cleanup.NewService(cfg.Cleanup, runtime, metadata, pool, healthMonitor, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, log)

	webServer := web.NewServer(cfg, runtime, metadata, monitor, validator,
		healthMonitor, pool, limiter, log)

	return &server{
		store:   metadata,
		runtime: runtime,
		monitor: healthMonitor,
		pool:    pool,
		reaper:  reaper,
		limiter: limiter,
		web:     webServer,
		logger:  log,
	}, nil
}

func (s *server) start() {
	// Recover pre-warmed workspaces left behind by a previous run before the
	// maintainer starts topping the pool up.
	adoptCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := s.pool.Adopt(adoptCtx); err != nil {
		s.logger.WithError(err).Warn("Failed to adopt pre-warmed workspaces")
	}
	cancel()

	s.monitor.Start()
	s.pool.Start()
	s.reaper.Start()
	s.limiter.Start()
	s.web.Start()
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.web.Stop(ctx); err != nil {
		s.logger.Errorf("Error stopping API server: %v", err)
	}
	s.monitor.Stop()
	s.pool.Stop()
	s.reaper.Stop()
	s.limiter.Stop()

	if err := s.runtime.Close(); err != nil {
		s.logger.Errorf("Error closing runtime client: %v", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Errorf("Error closing metadata store: %v", err)
	}
}
