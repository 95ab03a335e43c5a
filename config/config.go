package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/notifyd/helpers"
)

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL connection settings used by the
// "postgres" journal backend and the "database" account source.
type DatabaseConfig struct {
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // string or integer, default 5432
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	QueryTimeout    string      `toml:"query_timeout"`
	LogQueries      bool        `toml:"log_queries"`
}

// GetPort returns the configured port as a string, defaulting to 5432.
func (d *DatabaseConfig) GetPort() (string, error) {
	switch v := d.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if v == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(v); err != nil {
			return "", fmt.Errorf("invalid port value '%s': %v", v, err)
		}
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("invalid type for port: %T", v)
	}
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	return helpers.DurationOrDefault(d.MaxConnLifetime, time.Hour)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	return helpers.DurationOrDefault(d.MaxConnIdleTime, 30*time.Minute)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(d.QueryTimeout, 30*time.Second)
}

// Journal backends.
const (
	JournalMemory   = "memory"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// JournalConfig selects and tunes the commit journal that all-accounts
// waitsets resynchronize from.
type JournalConfig struct {
	Backend       string `toml:"backend"`        // "memory", "sqlite" or "postgres"
	Path          string `toml:"path"`           // SQLite database file
	Capacity      int    `toml:"capacity"`       // memory backend ring size
	Retention     string `toml:"retention"`      // entries older than this are pruned
	PruneInterval string `toml:"prune_interval"` // how often the pruner runs
}

func (j *JournalConfig) GetRetention() (time.Duration, error) {
	return helpers.DurationOrDefault(j.Retention, 7*24*time.Hour)
}

func (j *JournalConfig) GetPruneInterval() (time.Duration, error) {
	return helpers.DurationOrDefault(j.PruneInterval, time.Hour)
}

// GetCapacity returns the memory backend capacity, defaulting to 100000.
func (j *JournalConfig) GetCapacity() int {
	if j.Capacity <= 0 {
		return 100000
	}
	return j.Capacity
}

// WaitSetConfig holds the waitset manager limits.
type WaitSetConfig struct {
	IdleTimeout        string `toml:"idle_timeout"`         // idle waitsets without a parked callback are destroyed
	SweepInterval      string `toml:"sweep_interval"`       // how often the idle sweep runs
	MaxPerOwner        int    `toml:"max_per_owner"`        // quota of waitsets per owner when allow_multiple is false
	MaxBufferedCommits int    `toml:"max_buffered_commits"` // commits buffered while an all-accounts waitset resyncs
}

func (w *WaitSetConfig) GetIdleTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(w.IdleTimeout, 20*time.Minute)
}

func (w *WaitSetConfig) GetSweepInterval() (time.Duration, error) {
	return helpers.DurationOrDefault(w.SweepInterval, time.Minute)
}

func (w *WaitSetConfig) GetMaxPerOwner() int {
	if w.MaxPerOwner <= 0 {
		return 5
	}
	return w.MaxPerOwner
}

func (w *WaitSetConfig) GetMaxBufferedCommits() int {
	if w.MaxBufferedCommits <= 0 {
		return 10000
	}
	return w.MaxBufferedCommits
}

// SessionsConfig tunes the session registry.
type SessionsConfig struct {
	ClientIdleTimeout      string `toml:"client_idle_timeout"`
	AdminIdleTimeout       string `toml:"admin_idle_timeout"`
	SweepInterval          string `toml:"sweep_interval"`
	MaxQueuedNotifications int    `toml:"max_queued_notifications"`
}

func (s *SessionsConfig) GetClientIdleTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(s.ClientIdleTimeout, 10*time.Minute)
}

func (s *SessionsConfig) GetAdminIdleTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(s.AdminIdleTimeout, 10*time.Minute)
}

func (s *SessionsConfig) GetSweepInterval() (time.Duration, error) {
	return helpers.DurationOrDefault(s.SweepInterval, 30*time.Second)
}

func (s *SessionsConfig) GetMaxQueuedNotifications() int {
	if s.MaxQueuedNotifications <= 0 {
		return 500
	}
	return s.MaxQueuedNotifications
}

// AccountConfig declares one account for the static account source.
type AccountConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Host string `toml:"host"` // empty means this server
}

// MailboxConfig describes where accounts come from and which host this
// instance is.
type MailboxConfig struct {
	Hostname      string          `toml:"hostname"`
	AccountSource string          `toml:"account_source"` // "static" or "database"
	Accounts      []AccountConfig `toml:"account"`

	AccountCache AccountCacheConfig `toml:"account_cache"`
}

// AccountCacheConfig controls caching of database account lookups.
type AccountCacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	PositiveTTL     string `toml:"positive_ttl"`
	NegativeTTL     string `toml:"negative_ttl"`
	MaxSize         int    `toml:"max_size"`
	CleanupInterval string `toml:"cleanup_interval"`

	// Consecutive backend failures before lookups are served from stale
	// entries only.
	BreakerFailures int    `toml:"breaker_failures"`
	BreakerTimeout  string `toml:"breaker_timeout"`
}

func (a *AccountCacheConfig) GetPositiveTTL() (time.Duration, error) {
	return helpers.DurationOrDefault(a.PositiveTTL, 5*time.Minute)
}

func (a *AccountCacheConfig) GetNegativeTTL() (time.Duration, error) {
	return helpers.DurationOrDefault(a.NegativeTTL, 30*time.Second)
}

func (a *AccountCacheConfig) GetCleanupInterval() (time.Duration, error) {
	return helpers.DurationOrDefault(a.CleanupInterval, time.Minute)
}

func (a *AccountCacheConfig) GetBreakerTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(a.BreakerTimeout, 30*time.Second)
}

func (a *AccountCacheConfig) GetMaxSize() int {
	if a.MaxSize <= 0 {
		return 10000
	}
	return a.MaxSize
}

func (a *AccountCacheConfig) GetBreakerFailures() int {
	if a.BreakerFailures <= 0 {
		return 5
	}
	return a.BreakerFailures
}

// GetHostname returns the configured hostname or the OS hostname.
func (m *MailboxConfig) GetHostname() string {
	if m.Hostname != "" {
		return m.Hostname
	}
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"`
}

func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	return helpers.DurationOrDefault(m.CollectInterval, 15*time.Second)
}

// HTTPAPIConfig holds the protocol API server configuration.
type HTTPAPIConfig struct {
	Start              bool     `toml:"start"`
	Addr               string   `toml:"addr"`
	APIKey             string   `toml:"api_key"` // plain key, or a bcrypt hash ("$2a$...")
	AllowedHosts       []string `toml:"allowed_hosts"`
	TLS                bool     `toml:"tls"`
	TLSCertFile        string   `toml:"tls_cert_file"`
	TLSKeyFile         string   `toml:"tls_key_file"`
	DefaultWaitTimeout string   `toml:"default_wait_timeout"`
	MaxWaitTimeout     string   `toml:"max_wait_timeout"`
}

func (h *HTTPAPIConfig) GetDefaultWaitTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(h.DefaultWaitTimeout, 5*time.Minute)
}

func (h *HTTPAPIConfig) GetMaxWaitTimeout() (time.Duration, error) {
	return helpers.DurationOrDefault(h.MaxWaitTimeout, 20*time.Minute)
}

// Config is the root of the notifyd configuration file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Journal  JournalConfig  `toml:"journal"`
	WaitSets WaitSetConfig  `toml:"waitsets"`
	Sessions SessionsConfig `toml:"sessions"`
	Mailbox  MailboxConfig  `toml:"mailbox"`
	Metrics  MetricsConfig  `toml:"metrics"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
}

// NewDefaultConfig creates a Config with the built-in defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Hosts:           []string{"localhost"},
			Port:            "5432",
			User:            "postgres",
			Name:            "notifyd",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		Journal: JournalConfig{
			Backend:       JournalMemory,
			Path:          "notifyd-journal.db",
			Capacity:      100000,
			Retention:     "7d",
			PruneInterval: "1h",
		},
		WaitSets: WaitSetConfig{
			IdleTimeout:        "20m",
			SweepInterval:      "1m",
			MaxPerOwner:        5,
			MaxBufferedCommits: 10000,
		},
		Sessions: SessionsConfig{
			ClientIdleTimeout:      "10m",
			AdminIdleTimeout:       "10m",
			SweepInterval:          "30s",
			MaxQueuedNotifications: 500,
		},
		Mailbox: MailboxConfig{
			AccountSource: "static",
			AccountCache: AccountCacheConfig{
				Enabled:         true,
				PositiveTTL:     "5m",
				NegativeTTL:     "30s",
				MaxSize:         10000,
				CleanupInterval: "1m",
				BreakerFailures: 5,
				BreakerTimeout:  "30s",
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "15s",
		},
		HTTPAPI: HTTPAPIConfig{
			Start:              true,
			Addr:               ":8080",
			DefaultWaitTimeout: "5m",
			MaxWaitTimeout:     "20m",
		},
	}
}

// Validate checks option values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Journal.Backend {
	case JournalMemory, JournalSQLite, JournalPostgres:
	default:
		return fmt.Errorf("journal.backend: unknown backend %q", c.Journal.Backend)
	}
	if c.Journal.Backend == JournalSQLite && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required for the sqlite backend")
	}
	switch c.Mailbox.AccountSource {
	case "", "static", "database":
	default:
		return fmt.Errorf("mailbox.account_source: unknown source %q", c.Mailbox.AccountSource)
	}
	seen := make(map[string]struct{}, len(c.Mailbox.Accounts))
	for i, a := range c.Mailbox.Accounts {
		if a.ID == "" {
			return fmt.Errorf("mailbox.account[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("mailbox.account[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	if c.HTTPAPI.Start {
		if c.HTTPAPI.APIKey == "" {
			return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
		}
		if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
			return fmt.Errorf("http_api: tls_cert_file and tls_key_file are required when tls is enabled")
		}
	}

	durations := map[string]func() (time.Duration, error){
		"journal.retention":             c.Journal.GetRetention,
		"journal.prune_interval":        c.Journal.GetPruneInterval,
		"waitsets.idle_timeout":         c.WaitSets.GetIdleTimeout,
		"waitsets.sweep_interval":       c.WaitSets.GetSweepInterval,
		"sessions.client_idle_timeout":  c.Sessions.GetClientIdleTimeout,
		"sessions.admin_idle_timeout":   c.Sessions.GetAdminIdleTimeout,
		"sessions.sweep_interval":       c.Sessions.GetSweepInterval,
		"http_api.default_wait_timeout": c.HTTPAPI.GetDefaultWaitTimeout,
		"http_api.max_wait_timeout":     c.HTTPAPI.GetMaxWaitTimeout,
	}
	for name, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath over cfg. Unknown
// keys are reported as warnings, not errors.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to the most common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice; remove or comment out the duplicate entry", err)
	case strings.Contains(msg, "expected value but found \"f\"") ||
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "expected") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, brackets and section headers in the TOML file", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from every string field.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				trimStringFields(f)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
