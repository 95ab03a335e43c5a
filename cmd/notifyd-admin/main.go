package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/notifyd/config"
	"github.com/migadu/notifyd/db"
	"github.com/migadu/notifyd/logger"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "prune":
		handlePruneCommand(ctx)
	case "accounts":
		handleAccountsCommand(ctx)
	case "hash-key":
		handleHashKeyCommand()
	case "version", "--version", "-v":
		fmt.Printf("notifyd-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`notifyd Admin Tool

Usage:
  notifyd-admin <command> [options]

Commands:
  migrate   Manage the PostgreSQL schema (up, down, version, force)
  prune     Remove journal entries older than the retention window
  accounts  Manage the account directory (add, list, delete)
  hash-key  Print a bcrypt hash of an API key for http_api.api_key
  version   Show version information
  help      Show this help message

Examples:
  notifyd-admin migrate up --config /etc/notifyd/config.toml
  notifyd-admin prune --older-than 7d
  notifyd-admin accounts add --id 1f3c --name user@example.com
  notifyd-admin hash-key --key s3cret

Use 'notifyd-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration file, using defaults when it does not
// exist.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			logger.Infof("WARNING: configuration file '%s' not found. Using defaults.", configPath)
		} else {
			logger.Fatal("Failed to load configuration", "path", configPath, "error", err)
		}
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}

func connect(ctx context.Context, cfg config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	return database
}
