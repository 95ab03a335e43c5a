package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/migadu/notifyd/helpers"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/server/cleaner"
	"golang.org/x/crypto/bcrypt"
)

func handlePruneCommand(ctx context.Context) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	olderThan := fs.String("older-than", "", "Retention window (defaults to journal.retention)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	retention, err := cfg.Journal.GetRetention()
	if err != nil {
		logger.Fatal("Invalid journal retention", "error", err)
	}
	if *olderThan != "" {
		retention, err = helpers.ParseDuration(*olderThan)
		if err != nil {
			logger.Fatal("Invalid --older-than value", "value", *olderThan, "error", err)
		}
	}
	if retention <= 0 {
		logger.Fatal("Retention must be positive", "retention", retention)
	}

	database := connect(ctx, cfg)
	defer database.Close()

	worker := cleaner.New(database, time.Hour, retention)
	removed, err := worker.RunOnce(ctx)
	if err != nil {
		logger.Fatal("Journal prune failed", "error", err)
	}
	fmt.Printf("Removed %d journal entries older than %s\n", removed, retention)
}

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "add":
		handleAccountsAdd(ctx)
	case "list":
		handleAccountsList(ctx)
	case "delete":
		handleAccountsDelete(ctx)
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", os.Args[2])
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Account Directory Management

Usage:
  notifyd-admin accounts <subcommand> [options]

Subcommands:
  add      Create an account or update its name and host
  list     List all accounts
  delete   Remove an account

Examples:
  notifyd-admin accounts add --id 1f3c --name user@example.com --host mail2.example.com
  notifyd-admin accounts list
  notifyd-admin accounts delete --id 1f3c
`)
}

func handleAccountsAdd(ctx context.Context) {
	fs := flag.NewFlagSet("accounts add", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Account ID (required)")
	name := fs.String("name", "", "Account name")
	host := fs.String("host", "", "Server the mailbox lives on (empty means local)")
	fs.Parse(os.Args[3:])

	if *id == "" {
		fmt.Println("Error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := connect(ctx, cfg)
	defer database.Close()

	if err := database.UpsertAccount(ctx, mailbox.Account{ID: *id, Name: *name, Host: *host}); err != nil {
		logger.Fatal("Failed to save account", "id", *id, "error", err)
	}
	fmt.Printf("Account %s saved\n", *id)
}

func handleAccountsList(ctx context.Context) {
	fs := flag.NewFlagSet("accounts list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	database := connect(ctx, cfg)
	defer database.Close()

	accounts, err := database.ListAccounts(ctx)
	if err != nil {
		logger.Fatal("Failed to list accounts", "error", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST")
	for _, a := range accounts {
		host := a.Host
		if host == "" {
			host = "(local)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Name, host)
	}
	w.Flush()
}

func handleAccountsDelete(ctx context.Context) {
	fs := flag.NewFlagSet("accounts delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Account ID (required)")
	fs.Parse(os.Args[3:])

	if *id == "" {
		fmt.Println("Error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := connect(ctx, cfg)
	defer database.Close()

	if err := database.DeleteAccount(ctx, *id); err != nil {
		logger.Fatal("Failed to delete account", "id", *id, "error", err)
	}
	fmt.Printf("Account %s deleted\n", *id)
}

func handleHashKeyCommand() {
	fs := flag.NewFlagSet("hash-key", flag.ExitOnError)
	key := fs.String("key", "", "API key to hash (required)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Println("Error: --key is required")
		fs.Usage()
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*key), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
