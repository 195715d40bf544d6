// Package main is the entry point for the agentdeck session daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/server"
	"github.com/agentdeck/agentdeck/pkg/models"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to config file")
		host            = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port            = flag.Int("port", 0, "Server port (default: 8876)")
		historyDir      = flag.String("history-dir", "", "Directory for session history files")
		logDir          = flag.String("log-dir", "", "Directory for agent output logs")
		gracefulTimeout = flag.Duration("graceful-timeout", 0, "Wait before force-killing a stopped agent")
		showVersion     = flag.Bool("version", false, "Show version and exit")
		initConfig      = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentdeck %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *historyDir != "" {
		cfg.History.Dir = *historyDir
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *gracefulTimeout != 0 {
		cfg.Stop.GracefulTimeout = config.Duration(*gracefulTimeout)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	agents := make(map[models.ProcessKind]agent.KindSpec, len(cfg.Agents))
	kindMax := make(map[models.ProcessKind]int, len(cfg.Agents))
	for kind, ac := range cfg.Agents {
		agents[kind] = agent.KindSpec{Binary: ac.Binary, Args: ac.Args}
		kindMax[kind] = ac.Max
	}

	svc, err := orchestrator.New(orchestrator.Config{
		Agents:          agents,
		KindMax:         kindMax,
		AggregateMax:    cfg.Admission.AggregateMax,
		LogDir:          cfg.LogDir,
		HistoryDir:      cfg.History.Dir,
		HistoryDebounce: time.Duration(cfg.History.Debounce),
		GracefulTimeout: time.Duration(cfg.Stop.GracefulTimeout),
		RingCapacity:    cfg.Events.RingCapacity,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	srv := server.New(server.Config{
		Addr:    cfg.Address(),
		Service: svc,
		Version: version,
		Commit:  commit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := svc.Shutdown(); err != nil {
			log.Printf("Orchestrator shutdown error: %v", err)
		}
	}()

	log.Printf("agentdeck %s starting", version)
	log.Printf("API endpoint:   http://%s/api", cfg.Address())
	log.Printf("Event stream:   ws://%s/ws", cfg.Address())
	log.Printf("Health check:   http://%s/health", cfg.Address())

	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			log.Fatalf("Server error: %v", err)
		}
	}
}
