package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func (c *Config) validate() error {
	checks := []func() error{
		c.validateLogging,
		c.validateStore,
		c.validateNetwork,
		c.validateFeed,
		c.validateArchive,
		c.validateSource,
		c.validateSchedules,
		c.validateCORS,
	}

	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be 'text' or 'json', got %q", c.LogFormat)
	}

	return nil
}

func (c *Config) validateStore() error {
	switch c.StateStore {
	case StorePostgres:
		if err := validateDatabaseURL(c.DatabaseURL.Value()); err != nil {
			return err
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STATE_STORE is sqlite")
		}
	default:
		return fmt.Errorf("STATE_STORE must be 'postgres' or 'sqlite', got %q", c.StateStore)
	}

	switch c.GraphBackend {
	case GraphStore:
	case GraphNeo4j:
		u, err := url.Parse(c.Neo4jURI)
		if err != nil {
			return fmt.Errorf("NEO4J_URI is not a valid URL: %w", err)
		}

		switch u.Scheme {
		case "neo4j", "neo4j+s", "neo4j+ssc", "bolt", "bolt+s", "bolt+ssc":
		default:
			return fmt.Errorf("NEO4J_URI scheme must be neo4j or bolt, got %q", u.Scheme)
		}

		if c.Neo4jPassword.Value() == "" {
			return fmt.Errorf("NEO4J_PASSWORD is required when GRAPH_BACKEND is neo4j")
		}
	default:
		return fmt.Errorf("GRAPH_BACKEND must be 'store' or 'neo4j', got %q", c.GraphBackend)
	}

	return nil
}

func validateDatabaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dbURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres:// or postgresql://")
	}

	if dbURL.Hostname() == "" {
		return fmt.Errorf("DATABASE_URL must include a host")
	}

	if !isLoopback(dbURL.Hostname()) && dbURL.Query().Get("sslmode") == "disable" {
		return fmt.Errorf("DATABASE_URL sslmode=disable is not allowed for non-local host %q", dbURL.Hostname())
	}

	return nil
}

func (c *Config) validateNetwork() error {
	port, err := parsePort("PORT", c.Port)
	if err != nil {
		return err
	}

	metricsPort, err := parsePort("METRICS_PORT", c.MetricsPort)
	if err != nil {
		return err
	}

	if metricsPort == port {
		return fmt.Errorf("METRICS_PORT must differ from PORT")
	}

	// Loopback for local runs, wildcard for containers where the network
	// boundary is enforced outside the process.
	switch c.ListenHost {
	case "127.0.0.1", "::1", "localhost", "0.0.0.0", "::":
	default:
		return fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost)
	}

	return nil
}

func parsePort(name, raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}

	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 1 and 65535", name)
	}

	return port, nil
}

func (c *Config) validateFeed() error {
	if !c.FeedEnabled() {
		return nil
	}

	u, err := url.Parse(c.RedisURL.Value())
	if err != nil {
		return fmt.Errorf("REDIS_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("REDIS_URL scheme must be redis:// or rediss://")
	}

	if c.FeedStream == "" || c.FeedGroup == "" || c.FeedConsumer == "" {
		return fmt.Errorf("FEED_STREAM, FEED_GROUP and FEED_CONSUMER must not be empty")
	}

	return nil
}

func (c *Config) validateArchive() error {
	if !c.ArchiveEnabled() {
		return nil
	}

	if strings.Contains(c.S3Endpoint, "://") {
		return fmt.Errorf("S3_ENDPOINT must be host[:port] without a scheme, got %q", c.S3Endpoint)
	}

	if c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}

	if c.S3AccessKey == "" || c.S3SecretKey.Value() == "" {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	return nil
}

func (c *Config) validateSource() error {
	if c.SourceURL == "" {
		return fmt.Errorf("SOURCE_URL is required")
	}

	u, err := url.ParseRequestURI(c.SourceURL)
	if err != nil {
		return fmt.Errorf("SOURCE_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "https" && !(u.Scheme == "http" && isLoopback(u.Hostname())) {
		return fmt.Errorf("SOURCE_URL must use https for non-local hosts")
	}

	return nil
}

func (c *Config) validateSchedules() error {
	if _, err := cron.ParseStandard(c.ReconcileCron); err != nil {
		return fmt.Errorf("RECONCILE_CRON is invalid: %w", err)
	}

	if _, err := cron.ParseStandard(c.AuditPurgeCron); err != nil {
		return fmt.Errorf("AUDIT_PURGE_CRON is invalid: %w", err)
	}

	return nil
}

func (c *Config) validateCORS() error {
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS must list at least one origin")
	}

	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ORIGINS must not contain wildcard '*'")
		}
		if strings.ContainsAny(origin, "*?[]") {
			return fmt.Errorf("CORS_ORIGINS must not contain glob characters (*?[]), got %q", origin)
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q (must have scheme and host)", origin)
		}
	}

	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
