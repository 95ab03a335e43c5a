package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/notifyd/changelog"
	"github.com/migadu/notifyd/config"
	"github.com/migadu/notifyd/db"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/pkg/circuitbreaker"
	"github.com/migadu/notifyd/pkg/lookupcache"
	"github.com/migadu/notifyd/pkg/metrics"
	"github.com/migadu/notifyd/server/cleaner"
	"github.com/migadu/notifyd/server/httpapi"
	"github.com/migadu/notifyd/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// services holds everything main needs to shut down.
type services struct {
	database  *db.Database
	journal   mailbox.Journal
	mailboxes *mailbox.Manager
	registry  *session.Registry
	waitsets  *session.Manager
	cleaner   *cleaner.JournalWorker
	collector *metrics.Collector
	accounts  *lookupcache.AccountCache
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("notifyd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "NOTIFYD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("notifyd starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer svc.close()

	errChan := make(chan error, 2)
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}
	if cfg.HTTPAPI.Start {
		opts, err := apiOptions(cfg)
		if err != nil {
			logger.Fatal("Invalid http_api configuration", "error", err)
		}
		go httpapi.Start(ctx, svc.waitsets, svc.mailboxes, opts, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-errChan:
		logger.Error("Server failed", "error", err)
		cancel()
		svc.close()
		os.Exit(1)
	}
}

// loadAndValidateConfig loads the configuration file, falling back to
// defaults when the default path does not exist.
func loadAndValidateConfig(configPath string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "NOTIFYD: failed to load configuration %s: %v\n", configPath, err)
			os.Exit(1)
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "NOTIFYD: invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	svc := &services{}

	if cfg.Journal.Backend == config.JournalPostgres || cfg.Mailbox.AccountSource == "database" {
		database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		database.StartPoolMetrics(ctx)
		svc.database = database
	}

	switch cfg.Journal.Backend {
	case config.JournalPostgres:
		svc.journal = svc.database
	case config.JournalSQLite:
		journal, err := changelog.OpenSQLite(cfg.Journal.Path)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		svc.journal = journal
	default:
		svc.journal = changelog.NewMemoryLog(cfg.Journal.GetCapacity())
	}
	logger.Info("Journal opened", "backend", cfg.Journal.Backend)

	var directory mailbox.AccountDirectory
	if cfg.Mailbox.AccountSource == "database" {
		directory = svc.database
		if cfg.Mailbox.AccountCache.Enabled {
			cache, err := newAccountCache(svc.database, cfg.Mailbox.AccountCache)
			if err != nil {
				svc.close()
				return nil, err
			}
			cache.Start(ctx)
			svc.accounts = cache
			directory = cache
		}
	} else {
		static := mailbox.NewStaticDirectory()
		for _, a := range cfg.Mailbox.Accounts {
			static.Put(mailbox.Account{ID: a.ID, Name: a.Name, Host: a.Host})
		}
		directory = static
		logger.Info("Using static account directory", "accounts", len(cfg.Mailbox.Accounts))
	}

	hostname := cfg.Mailbox.GetHostname()
	svc.mailboxes = mailbox.NewManager(directory, svc.journal, hostname)

	registry, sweepInterval, err := newRegistry(cfg.Sessions)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.registry = registry
	svc.registry.Start(ctx, sweepInterval)

	mgrCfg, err := managerConfig(cfg.WaitSets)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.waitsets = session.NewManager(svc.mailboxes, svc.registry, mgrCfg)
	svc.waitsets.Start(ctx)

	retention, err := cfg.Journal.GetRetention()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("invalid journal.retention: %w", err)
	}
	pruneInterval, err := cfg.Journal.GetPruneInterval()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("invalid journal.prune_interval: %w", err)
	}
	svc.cleaner = cleaner.New(svc.journal, pruneInterval, retention)
	svc.cleaner.Start(ctx)

	collectInterval, err := cfg.Metrics.GetCollectInterval()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("invalid metrics.collect_interval: %w", err)
	}
	if cfg.Metrics.Enabled {
		svc.collector = metrics.NewCollector(svc.waitsets, collectInterval)
		go svc.collector.Start(ctx)
	}

	logger.Info("Services initialized", "hostname", hostname)
	return svc, nil
}

func newRegistry(cfg config.SessionsConfig) (*session.Registry, time.Duration, error) {
	client, err := cfg.GetClientIdleTimeout()
	if err != nil {
		return nil, 0, fmt.Errorf("invalid sessions.client_idle_timeout: %w", err)
	}
	admin, err := cfg.GetAdminIdleTimeout()
	if err != nil {
		return nil, 0, fmt.Errorf("invalid sessions.admin_idle_timeout: %w", err)
	}
	interval, err := cfg.GetSweepInterval()
	if err != nil {
		return nil, 0, fmt.Errorf("invalid sessions.sweep_interval: %w", err)
	}
	return session.NewRegistry(map[session.Type]time.Duration{
		session.TypeClient: client,
		session.TypeAdmin:  admin,
	}), interval, nil
}

func managerConfig(cfg config.WaitSetConfig) (session.ManagerConfig, error) {
	idle, err := cfg.GetIdleTimeout()
	if err != nil {
		return session.ManagerConfig{}, fmt.Errorf("invalid waitsets.idle_timeout: %w", err)
	}
	sweep, err := cfg.GetSweepInterval()
	if err != nil {
		return session.ManagerConfig{}, fmt.Errorf("invalid waitsets.sweep_interval: %w", err)
	}
	return session.ManagerConfig{
		IdleTimeout:        idle,
		SweepInterval:      sweep,
		MaxPerOwner:        cfg.GetMaxPerOwner(),
		MaxBufferedCommits: cfg.GetMaxBufferedCommits(),
	}, nil
}

func apiOptions(cfg config.Config) (httpapi.ServerOptions, error) {
	defaultWait, err := cfg.HTTPAPI.GetDefaultWaitTimeout()
	if err != nil {
		return httpapi.ServerOptions{}, fmt.Errorf("default_wait_timeout: %w", err)
	}
	maxWait, err := cfg.HTTPAPI.GetMaxWaitTimeout()
	if err != nil {
		return httpapi.ServerOptions{}, fmt.Errorf("max_wait_timeout: %w", err)
	}
	return httpapi.ServerOptions{
		Addr:                   cfg.HTTPAPI.Addr,
		APIKey:                 cfg.HTTPAPI.APIKey,
		AllowedHosts:           cfg.HTTPAPI.AllowedHosts,
		TLS:                    cfg.HTTPAPI.TLS,
		TLSCertFile:            cfg.HTTPAPI.TLSCertFile,
		TLSKeyFile:             cfg.HTTPAPI.TLSKeyFile,
		DefaultWaitTimeout:     defaultWait,
		MaxWaitTimeout:         maxWait,
		MaxQueuedNotifications: cfg.Sessions.GetMaxQueuedNotifications(),
	}, nil
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// close stops the workers before the journal and database they use. It is
// safe to call more than once.
func (s *services) close() {
	if s.accounts != nil {
		s.accounts.Stop()
		s.accounts = nil
	}
	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}
	if s.cleaner != nil {
		s.cleaner.Stop()
		s.cleaner = nil
	}
	if s.waitsets != nil {
		s.waitsets.Stop()
		s.waitsets = nil
	}
	if s.registry != nil {
		s.registry.Stop()
		s.registry = nil
	}
	if s.journal != nil && s.journal != mailbox.Journal(s.database) {
		if err := s.journal.Close(); err != nil {
			logger.Warn("Error closing journal", "error", err)
		}
	}
	s.journal = nil
	if s.database != nil {
		s.database.Close()
		s.database = nil
	}
}

func newAccountCache(backend mailbox.AccountDirectory, cfg config.AccountCacheConfig) (*lookupcache.AccountCache, error) {
	positive, err := cfg.GetPositiveTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.account_cache.positive_ttl: %w", err)
	}
	negative, err := cfg.GetNegativeTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.account_cache.negative_ttl: %w", err)
	}
	cleanup, err := cfg.GetCleanupInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.account_cache.cleanup_interval: %w", err)
	}
	breakerTimeout, err := cfg.GetBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.account_cache.breaker_timeout: %w", err)
	}
	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:                "account_directory",
		ConsecutiveFailures: uint32(cfg.GetBreakerFailures()),
		Timeout:             breakerTimeout,
	})
	return lookupcache.New(backend, lookupcache.Options{
		PositiveTTL:     positive,
		NegativeTTL:     negative,
		MaxSize:         cfg.GetMaxSize(),
		CleanupInterval: cleanup,
		Breaker:         breaker,
	}), nil
}
