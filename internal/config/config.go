// Package config loads and validates service configuration from environment variables.
//
// Variables follow the REPORTING_<SECTION>__<KEY> convention: a double
// underscore nests into a section, e.g. REPORTING_JOURNAL__HOST. Top-level
// keys use a single underscore, e.g. REPORTING_DAEMON_INTERVAL.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// StoreConfig holds the connection parameters for one Postgres-family store.
type StoreConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// DSN renders the store's connection string for pgx.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port, s.Database)
}

// Config holds all service configuration. Constructed once at startup and
// passed by reference; never mutated afterwards.
type Config struct {
	// Backing stores. Journal is the OLTP event source; Timescale holds the
	// aggregates and the watermark checkpoints.
	Journal   StoreConfig
	Timescale StoreConfig

	// Daemon settings.
	DaemonInterval time.Duration // wait between cycles when the backlog is drained
	MaxBatchSize   int           // records read per cycle
	FlushMargin    time.Duration // replication-lag guard on journal reads
	StoreTimeout   time.Duration // deadline applied to every store call
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	// Strict fails a whole batch on a malformed payload instead of skipping
	// the offending record.
	Strict bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ReportOutputDir string
}

// Load reads configuration from environment variables with the original
// service's defaults (5-minute interval, journal/timescale on localhost).
// A variable that is set but unparsable is a fatal configuration error,
// never silently defaulted.
func Load() (Config, error) {
	var p envParser

	cfg := Config{
		Journal: StoreConfig{
			Host:     p.str("REPORTING_JOURNAL__HOST", "localhost"),
			Port:     p.integer("REPORTING_JOURNAL__PORT", 5432),
			Database: p.str("REPORTING_JOURNAL__DB", "trading_journal"),
			User:     p.str("REPORTING_JOURNAL__USER", "postgres"),
			Password: p.str("REPORTING_JOURNAL__PASSWORD", ""),
		},
		Timescale: StoreConfig{
			Host:     p.str("REPORTING_TIMESCALE__HOST", "localhost"),
			Port:     p.integer("REPORTING_TIMESCALE__PORT", 5432),
			Database: p.str("REPORTING_TIMESCALE__DB", "market_data"),
			User:     p.str("REPORTING_TIMESCALE__USER", "postgres"),
			Password: p.str("REPORTING_TIMESCALE__PASSWORD", ""),
		},
		DaemonInterval:  time.Duration(p.integer("REPORTING_DAEMON_INTERVAL", 300)) * time.Second,
		MaxBatchSize:    p.integer("REPORTING_MAX_BATCH_SIZE", 500),
		FlushMargin:     p.duration("REPORTING_FLUSH_MARGIN", 2*time.Second),
		StoreTimeout:    p.duration("REPORTING_STORE_TIMEOUT", 30*time.Second),
		BackoffBase:     p.duration("REPORTING_BACKOFF_BASE", time.Second),
		BackoffCap:      p.duration("REPORTING_BACKOFF_CAP", 2*time.Minute),
		Strict:          p.boolean("REPORTING_STRICT", false),
		OTELEndpoint:    p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    p.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:     p.str("OTEL_SERVICE_NAME", "reportd"),
		LogLevel:        p.str("REPORTING_LOG_LEVEL", "info"),
		ReportOutputDir: p.str("REPORTING_REPORT_OUTPUT_DIR", "./reports"),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well-formed.
func (c Config) Validate() error {
	if c.Journal.Host == "" {
		return fmt.Errorf("config: REPORTING_JOURNAL__HOST is required")
	}
	if c.Timescale.Host == "" {
		return fmt.Errorf("config: REPORTING_TIMESCALE__HOST is required")
	}
	if c.DaemonInterval <= 0 {
		return fmt.Errorf("config: REPORTING_DAEMON_INTERVAL must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("config: REPORTING_MAX_BATCH_SIZE must be positive")
	}
	if c.FlushMargin < 0 {
		return fmt.Errorf("config: REPORTING_FLUSH_MARGIN must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("config: backoff base must be positive and not exceed the cap")
	}
	return nil
}

// envParser reads typed environment variables and records the first parse
// failure, so Load can build the whole Config before reporting it.
type envParser struct {
	err error
}

func (p *envParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *envParser) str(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (p *envParser) integer(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(fmt.Errorf("config: %s: %q is not an integer", key, v))
		return 0
	}
	return n
}

func (p *envParser) boolean(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(fmt.Errorf("config: %s: %q is not a boolean", key, v))
		return false
	}
	return b
}

func (p *envParser) duration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("config: %s: %q is not a duration", key, v))
		return 0
	}
	return d
}
