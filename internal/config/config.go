// Package config provides environment-driven configuration for famgraph.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// State store and graph backend choices.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	GraphStore = "store"
	GraphNeo4j = "neo4j"
)

// Config holds all application configuration values.
type Config struct {
	Port        string
	MetricsPort string
	ListenHost  string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	StateStore   string
	DatabaseURL  Secret
	SQLitePath   string
	GraphBackend string

	// DBPoolHeadroom is the number of pooled connections left for API
	// requests and background jobs beyond one per partition.
	DBPoolHeadroom     int
	DBStatementTimeout time.Duration

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword Secret

	RedisURL     Secret
	FeedStream   string
	FeedGroup    string
	FeedConsumer string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey Secret
	S3Bucket    string
	S3UseSSL    bool

	SourceURL   string
	SourceToken Secret

	Partitions      int
	QueueSize       int
	ApplyMaxRetries int

	MaxNodes         int
	MaxRelationships int

	PendingLimit       time.Duration
	PlaceholderGrace   time.Duration
	ReconcileCron      string
	AuditPurgeCron     string
	AuditRetentionDays int
}

// env resolves a setting: the environment wins, then the config file, then
// the fallback.
type env struct {
	file map[string]string
}

func (e env) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	if v, ok := e.file[key]; ok && v != "" {
		return v
	}

	return fallback
}

func (e env) integer(key string, fallback, lo, hi int) (int, error) {
	raw := e.str(key, strconv.Itoa(fallback))

	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", key, lo, hi)
	}

	return v, nil
}

func (e env) duration(key string, fallback time.Duration) (time.Duration, error) {
	v, err := time.ParseDuration(e.str(key, fallback.String()))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", key)
	}

	return v, nil
}

// Load reads configuration from environment variables with sensible defaults.
// When FAMGRAPH_CONFIG_FILE names a TOML file, its values replace the
// defaults and the environment still overrides them.
func Load() (*Config, error) {
	e := env{}

	if path := os.Getenv("FAMGRAPH_CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		e.file = file
	}

	cfg := &Config{
		Port:        e.str("PORT", "3030"),
		MetricsPort: e.str("METRICS_PORT", "9091"),
		ListenHost:  e.str("LISTEN_HOST", "127.0.0.1"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFormat:   e.str("LOG_FORMAT", "text"),

		StateStore:   e.str("STATE_STORE", StorePostgres),
		DatabaseURL:  Secret(e.str("DATABASE_URL", "")),
		SQLitePath:   e.str("SQLITE_PATH", "famgraph.db"),
		GraphBackend: e.str("GRAPH_BACKEND", GraphStore),

		Neo4jURI:      e.str("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:     e.str("NEO4J_USER", "neo4j"),
		Neo4jPassword: Secret(e.str("NEO4J_PASSWORD", "")),

		RedisURL:     Secret(e.str("REDIS_URL", "")),
		FeedStream:   e.str("FEED_STREAM", "famgraph:changes"),
		FeedGroup:    e.str("FEED_GROUP", "famgraph-sync"),
		FeedConsumer: e.str("FEED_CONSUMER", defaultConsumer()),

		S3Endpoint:  e.str("S3_ENDPOINT", ""),
		S3AccessKey: e.str("S3_ACCESS_KEY", ""),
		S3SecretKey: Secret(e.str("S3_SECRET_KEY", "")),
		S3Bucket:    e.str("S3_BUCKET", "famgraph-deadletters"),
		S3UseSSL:    e.str("S3_USE_SSL", "true") == "true",

		SourceURL:   e.str("SOURCE_URL", ""),
		SourceToken: Secret(e.str("SOURCE_TOKEN", "")),

		ReconcileCron:  e.str("RECONCILE_CRON", "@every 1h"),
		AuditPurgeCron: e.str("AUDIT_PURGE_CRON", "@daily"),
	}

	var err error

	if cfg.Partitions, err = e.integer("PARTITIONS", 16, 1, 256); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = e.integer("QUEUE_SIZE", 1024, 1, 100000); err != nil {
		return nil, err
	}
	if cfg.ApplyMaxRetries, err = e.integer("APPLY_MAX_RETRIES", 4, 0, 20); err != nil {
		return nil, err
	}
	if cfg.DBPoolHeadroom, err = e.integer("DB_POOL_HEADROOM", 8, 1, 200); err != nil {
		return nil, err
	}
	if cfg.DBStatementTimeout, err = e.duration("DB_STATEMENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxNodes, err = e.integer("QUERY_MAX_NODES", 5000, 1, 50000); err != nil {
		return nil, err
	}
	if cfg.MaxRelationships, err = e.integer("QUERY_MAX_RELATIONSHIPS", 20000, 1, 200000); err != nil {
		return nil, err
	}
	if cfg.AuditRetentionDays, err = e.integer("AUDIT_RETENTION_DAYS", 90, 0, 3650); err != nil {
		return nil, err
	}
	if cfg.PendingLimit, err = e.duration("PENDING_LIMIT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PlaceholderGrace, err = e.duration("PLACEHOLDER_GRACE", 10*time.Minute); err != nil {
		return nil, err
	}

	origins := e.str("CORS_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}

// MetricsAddr returns the metrics listen address in host:port format.
func (c *Config) MetricsAddr() string {
	return c.ListenHost + ":" + c.MetricsPort
}

// FeedEnabled reports whether events arrive through Redis Streams rather
// than in-process.
func (c *Config) FeedEnabled() bool {
	return c.RedisURL.Value() != ""
}

// ArchiveEnabled reports whether dead letters go to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Endpoint != ""
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "famgraph-1"
	}

	return host
}

// fileConfig is the TOML layout of FAMGRAPH_CONFIG_FILE. Every key maps to
// the environment variable of the same setting.
type fileConfig struct {
	Server struct {
		Port        string   `toml:"port"`
		MetricsPort string   `toml:"metrics_port"`
		ListenHost  string   `toml:"listen_host"`
		CORSOrigins []string `toml:"cors_origins"`
		LogLevel    string   `toml:"log_level"`
		LogFormat   string   `toml:"log_format"`
	} `toml:"server"`
	Store struct {
		State            string `toml:"state"`
		DatabaseURL      string `toml:"database_url"`
		SQLitePath       string `toml:"sqlite_path"`
		Graph            string `toml:"graph"`
		PoolHeadroom     int    `toml:"pool_headroom"`
		StatementTimeout string `toml:"statement_timeout"`
	} `toml:"store"`
	Neo4j struct {
		URI      string `toml:"uri"`
		User     string `toml:"user"`
		Password string `toml:"password"`
	} `toml:"neo4j"`
	Feed struct {
		RedisURL string `toml:"redis_url"`
		Stream   string `toml:"stream"`
		Group    string `toml:"group"`
		Consumer string `toml:"consumer"`
	} `toml:"feed"`
	S3 struct {
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Bucket    string `toml:"bucket"`
		UseSSL    *bool  `toml:"use_ssl"`
	} `toml:"s3"`
	Source struct {
		URL   string `toml:"url"`
		Token string `toml:"token"`
	} `toml:"source"`
	Workers struct {
		Partitions      int `toml:"partitions"`
		QueueSize       int `toml:"queue_size"`
		ApplyMaxRetries int `toml:"apply_max_retries"`
	} `toml:"workers"`
	Query struct {
		MaxNodes         int `toml:"max_nodes"`
		MaxRelationships int `toml:"max_relationships"`
	} `toml:"query"`
	Reconcile struct {
		Cron             string `toml:"cron"`
		PendingLimit     string `toml:"pending_limit"`
		PlaceholderGrace string `toml:"placeholder_grace"`
	} `toml:"reconcile"`
	Audit struct {
		PurgeCron     string `toml:"purge_cron"`
		RetentionDays int    `toml:"retention_days"`
	} `toml:"audit"`
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	return fc.flatten(), nil
}

func (fc *fileConfig) flatten() map[string]string {
	m := map[string]string{
		"PORT":                 fc.Server.Port,
		"METRICS_PORT":         fc.Server.MetricsPort,
		"LISTEN_HOST":          fc.Server.ListenHost,
		"CORS_ORIGINS":         strings.Join(fc.Server.CORSOrigins, ","),
		"LOG_LEVEL":            fc.Server.LogLevel,
		"LOG_FORMAT":           fc.Server.LogFormat,
		"STATE_STORE":          fc.Store.State,
		"DATABASE_URL":         fc.Store.DatabaseURL,
		"SQLITE_PATH":          fc.Store.SQLitePath,
		"GRAPH_BACKEND":        fc.Store.Graph,
		"DB_STATEMENT_TIMEOUT": fc.Store.StatementTimeout,
		"NEO4J_URI":            fc.Neo4j.URI,
		"NEO4J_USER":           fc.Neo4j.User,
		"NEO4J_PASSWORD":       fc.Neo4j.Password,
		"REDIS_URL":            fc.Feed.RedisURL,
		"FEED_STREAM":          fc.Feed.Stream,
		"FEED_GROUP":           fc.Feed.Group,
		"FEED_CONSUMER":        fc.Feed.Consumer,
		"S3_ENDPOINT":          fc.S3.Endpoint,
		"S3_ACCESS_KEY":        fc.S3.AccessKey,
		"S3_SECRET_KEY":        fc.S3.SecretKey,
		"S3_BUCKET":            fc.S3.Bucket,
		"SOURCE_URL":           fc.Source.URL,
		"SOURCE_TOKEN":         fc.Source.Token,
		"RECONCILE_CRON":       fc.Reconcile.Cron,
		"PENDING_LIMIT":        fc.Reconcile.PendingLimit,
		"PLACEHOLDER_GRACE":    fc.Reconcile.PlaceholderGrace,
		"AUDIT_PURGE_CRON":     fc.Audit.PurgeCron,
	}

	if fc.S3.UseSSL != nil {
		m["S3_USE_SSL"] = strconv.FormatBool(*fc.S3.UseSSL)
	}

	ints := map[string]int{
		"PARTITIONS":              fc.Workers.Partitions,
		"QUEUE_SIZE":              fc.Workers.QueueSize,
		"APPLY_MAX_RETRIES":       fc.Workers.ApplyMaxRetries,
		"DB_POOL_HEADROOM":        fc.Store.PoolHeadroom,
		"QUERY_MAX_NODES":         fc.Query.MaxNodes,
		"QUERY_MAX_RELATIONSHIPS": fc.Query.MaxRelationships,
		"AUDIT_RETENTION_DAYS":    fc.Audit.RetentionDays,
	}
	for k, v := range ints {
		if v != 0 {
			m[k] = strconv.Itoa(v)
		}
	}

	return m
}
