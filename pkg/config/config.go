// Package config builds the single immutable configuration value the sync
// components are constructed from. Values come from defaults, an optional
// config file, an optional .env file, the process environment and CLI flags,
// in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Warehouse dialects.
const (
	WarehousePostgres = "postgres"
	WarehouseMySQL    = "mysql"
	WarehouseSQLite   = "sqlite"
)

// Remote API limits.
const (
	MaxPageSize  = 500
	MaxBatchSize = 100
)

// Config is the complete runtime configuration.
type Config struct {
	Monday       MondayConfig
	Warehouse    WarehouseConfig
	Sync         SyncConfig
	Server       ServerConfig
	Log          LogConfig
	RegistryFile string
}

// MondayConfig controls the remote board client.
type MondayConfig struct {
	APIURL         string
	APIToken       string
	APIVersion     string
	BoardID        int64
	TodayColumn    string        // Date column matched against TODAY in the delta query.
	PageSize       int           // Items per page. Default 500, max 500.
	BatchSize      int           // Ids per detail request. Default 100, max 100.
	MaxPages       int           // Upper bound on pages per listing. Default 100.
	RequestDelay   time.Duration // Minimum spacing between requests. Default 500ms.
	RequestTimeout time.Duration // Per-request timeout. Default 30s.
	MaxRetries     int           // Retries for network errors, 429 and 5xx. Default 3.
}

// WarehouseConfig selects and addresses the relational store.
type WarehouseConfig struct {
	Type         string
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
}

// SyncConfig controls scheduling, locking and run history.
type SyncConfig struct {
	Interval             time.Duration // Scheduled incremental run period in serve mode. Default 15m.
	RunLockStaleAfter    time.Duration // Age after which a lock row is considered abandoned. Default 30m.
	StuckRunTimeout      time.Duration // Age after which a running history row is marked aborted. Default 1h.
	HistoryRetentionDays int           // Run history retention. Default 30.
	TriggerMinInterval   time.Duration // Minimum spacing of API-triggered runs. Default 30s.
	WatermarkOverlap     time.Duration // Re-read window below the watermark. Default 1s.
}

// ServerConfig controls the status surface.
type ServerConfig struct {
	Listen      string
	CORSOrigins []string
}

// LogConfig controls process logging.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Default returns the configuration with every default applied and no
// credentials set.
func Default() *Config {
	return &Config{
		Monday: MondayConfig{
			APIURL:         "https://api.monday.com/v2",
			APIVersion:     "2024-10",
			BoardID:        3874058084,
			TodayColumn:    "date4",
			PageSize:       500,
			BatchSize:      100,
			MaxPages:       100,
			RequestDelay:   500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
		},
		Warehouse: WarehouseConfig{
			Type:         WarehousePostgres,
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 5,
		},
		Sync: SyncConfig{
			Interval:             15 * time.Minute,
			RunLockStaleAfter:    30 * time.Minute,
			StuckRunTimeout:      time.Hour,
			HistoryRetentionDays: 30,
			TriggerMinInterval:   30 * time.Second,
			WatermarkOverlap:     time.Second,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// ConfigurationError reports every missing or invalid setting at once.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the settings a sync run needs before any network or
// database activity happens.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	m := c.Monday
	if m.APIToken == "" {
		add("MONDAY_API_KEY is required")
	}
	if m.BoardID <= 0 {
		add("MONDAY_BOARD_ID must be a positive integer")
	}
	if m.APIURL == "" {
		add("MONDAY_API_URL must not be empty")
	}
	if m.TodayColumn == "" {
		add("MONDAY_TODAY_COLUMN must not be empty")
	}
	if m.PageSize < 1 || m.PageSize > MaxPageSize {
		add("SYNC_PAGE_SIZE must be between 1 and %d, got %d", MaxPageSize, m.PageSize)
	}
	if m.BatchSize < 1 || m.BatchSize > MaxBatchSize {
		add("SYNC_BATCH_SIZE must be between 1 and %d, got %d", MaxBatchSize, m.BatchSize)
	}
	if m.MaxPages < 1 {
		add("SYNC_MAX_PAGES must be at least 1, got %d", m.MaxPages)
	}
	if m.RequestDelay < 0 {
		add("SYNC_REQUEST_DELAY must not be negative")
	}
	if m.RequestTimeout <= 0 {
		add("SYNC_REQUEST_TIMEOUT must be positive")
	}
	if m.MaxRetries < 0 {
		add("SYNC_MAX_RETRIES must not be negative")
	}

	problems = append(problems, c.Warehouse.problems()...)

	if c.Sync.Interval <= 0 {
		add("SYNC_INTERVAL must be positive")
	}
	if c.Sync.RunLockStaleAfter <= 0 {
		add("SYNC_RUN_LOCK_STALE_AFTER must be positive")
	}
	if c.Sync.WatermarkOverlap < 0 {
		add("SYNC_WATERMARK_OVERLAP must not be negative")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func (w WarehouseConfig) problems() []string {
	var problems []string
	switch w.Type {
	case WarehousePostgres, WarehouseMySQL:
		if w.URL != "" {
			if _, err := w.DSN(); err != nil {
				problems = append(problems, fmt.Sprintf("DATABASE_URL is invalid: %v", err))
			}
			return problems
		}
		required := []struct{ env, value string }{
			{"POSTGRES_HOST", w.Host},
			{"POSTGRES_USER", w.User},
			{"POSTGRES_PASSWORD", w.Password},
			{"POSTGRES_DB", w.Name},
		}
		for _, r := range required {
			if r.value == "" {
				problems = append(problems, r.env+" is required")
			}
		}
		if w.Port <= 0 || w.Port > 65535 {
			problems = append(problems, fmt.Sprintf("POSTGRES_PORT must be a valid port, got %d", w.Port))
		}
	case WarehouseSQLite:
		if w.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for the sqlite warehouse")
		}
	default:
		problems = append(problems, fmt.Sprintf("WAREHOUSE_TYPE must be one of postgres, mysql, sqlite, got %q", w.Type))
	}
	return problems
}

// LogValue renders the configuration for structured logs with secrets
// redacted.
func (c Config) LogValue() slog.Value {
	settings := RedactSensitive(c.settings())
	attrs := make([]slog.Attr, 0, len(settings))
	for _, k := range sortedKeys(settings) {
		attrs = append(attrs, slog.Any(k, settings[k]))
	}
	return slog.GroupValue(attrs...)
}

func (c Config) settings() map[string]any {
	return map[string]any{
		"monday.api_url":         c.Monday.APIURL,
		"monday.api_token":       c.Monday.APIToken,
		"monday.api_version":     c.Monday.APIVersion,
		"monday.board_id":        c.Monday.BoardID,
		"monday.today_column":    c.Monday.TodayColumn,
		"monday.page_size":       c.Monday.PageSize,
		"monday.batch_size":      c.Monday.BatchSize,
		"monday.max_pages":       c.Monday.MaxPages,
		"monday.request_delay":   c.Monday.RequestDelay.String(),
		"monday.request_timeout": c.Monday.RequestTimeout.String(),
		"monday.max_retries":     c.Monday.MaxRetries,
		"warehouse.type":         c.Warehouse.Type,
		"warehouse.url":          redactURL(c.Warehouse.URL),
		"warehouse.host":         c.Warehouse.Host,
		"warehouse.port":         c.Warehouse.Port,
		"warehouse.user":         c.Warehouse.User,
		"warehouse.password":     c.Warehouse.Password,
		"warehouse.name":         c.Warehouse.Name,
		"warehouse.sqlite_path":  c.Warehouse.SQLitePath,
		"sync.interval":          c.Sync.Interval.String(),
		"registry_file":          c.RegistryFile,
	}
}

// ValidateWarehouse checks only the warehouse settings, for commands that
// read the warehouse without talking to the remote board.
func (c *Config) ValidateWarehouse() error {
	if problems := c.Warehouse.problems(); len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
