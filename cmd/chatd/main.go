package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/config"
	"github.com/notepid/twilight_chat/internal/db"
	"github.com/notepid/twilight_chat/internal/logging"
	"github.com/notepid/twilight_chat/internal/scripting"
	"github.com/notepid/twilight_chat/internal/server"
	"github.com/notepid/twilight_chat/internal/user"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	if err := os.MkdirAll(cfg.Paths.Data, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Credentials live in SQLite when a database path is set, otherwise in
	// the flat users file.
	var backend user.Backend
	if cfg.Paths.Database != "" {
		database, err := db.Open(cfg.Paths.Database, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		logger.Infof("Credential database opened: %s", cfg.Paths.Database)
		backend = user.NewSQLBackend(database.DB)
	} else {
		logger.Infof("Credential file: %s", cfg.Paths.Users)
		backend = user.NewFileBackend(cfg.Paths.Users)
	}

	hasher := user.NewHasher(cfg.Security.ArgonTime, cfg.Security.ArgonMemoryKiB, cfg.Security.ArgonThreads)
	store, err := user.NewStore(backend, hasher, logger)
	if err != nil {
		return err
	}
	logger.Infof("Loaded %d accounts", store.Count())

	history := chat.NewHistory()
	if cfg.Paths.History != "" {
		loaded, skipped, err := history.Load(cfg.Paths.History)
		if err != nil {
			return err
		}
		if skipped > 0 {
			logger.Warnf("Skipped %d malformed history lines in %s", skipped, cfg.Paths.History)
		}
		logger.Infof("Loaded %d messages from %s", loaded, cfg.Paths.History)
	}

	srv := server.New(cfg, store, history, logger)

	if cfg.Chat.FilterScript != "" {
		filter, err := scripting.NewFilter(cfg.Chat.FilterScript, srv.Registry(), logger)
		if err != nil {
			return fmt.Errorf("load filter script: %w", err)
		}
		defer filter.Close()
		srv.SetFilter(filter)
		logger.Infof("Content filter loaded from %s", cfg.Chat.FilterScript)
	}

	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Printf("\nTwilight Chat is running\n")
	fmt.Printf("  Chat:  %s\n", srv.Addr())
	if addr := srv.SSHAddr(); addr != nil {
		fmt.Printf("  SSH:   %s\n", addr)
	}
	if addr := srv.HTTPAddr(); addr != nil {
		fmt.Printf("  HTTP:  %s\n", addr)
	}
	fmt.Println("\nPress Ctrl+C to shut down.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warnf("Shutdown: %v", err)
	}
	logger.Info("Shut down complete.")
	return nil
}
