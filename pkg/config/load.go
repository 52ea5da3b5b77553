package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LoadOptions tells Load where to look beyond the process environment.
type LoadOptions struct {
	// ConfigFile is an optional YAML, TOML or JSON file. A missing file is an
	// error.
	ConfigFile string
	// DotEnvFile is an optional KEY=value file. A missing file is ignored.
	DotEnvFile string
	// Flags, when set, are bound by name through FlagKeys.
	Flags *pflag.FlagSet
	// FlagKeys maps flag names to setting keys, e.g. "board-id" -> "monday.board_id".
	FlagKeys map[string]string
}

type binding struct {
	key  string
	envs []string
}

// bindings lists every setting key and the environment variables that feed
// it, first match wins.
var bindings = []binding{
	{"monday.api_url", []string{"MONDAY_API_URL"}},
	{"monday.api_token", []string{"MONDAY_API_KEY", "MONDAY_API_TOKEN"}},
	{"monday.api_version", []string{"MONDAY_API_VERSION"}},
	{"monday.board_id", []string{"MONDAY_BOARD_ID"}},
	{"monday.today_column", []string{"MONDAY_TODAY_COLUMN"}},
	{"monday.page_size", []string{"SYNC_PAGE_SIZE"}},
	{"monday.batch_size", []string{"SYNC_BATCH_SIZE"}},
	{"monday.max_pages", []string{"SYNC_MAX_PAGES"}},
	{"monday.request_delay", []string{"SYNC_REQUEST_DELAY"}},
	{"monday.request_timeout", []string{"SYNC_REQUEST_TIMEOUT"}},
	{"monday.max_retries", []string{"SYNC_MAX_RETRIES"}},
	{"warehouse.type", []string{"WAREHOUSE_TYPE"}},
	{"warehouse.url", []string{"DATABASE_URL"}},
	{"warehouse.host", []string{"WAREHOUSE_HOST", "POSTGRES_HOST"}},
	{"warehouse.port", []string{"WAREHOUSE_PORT", "POSTGRES_PORT"}},
	{"warehouse.user", []string{"WAREHOUSE_USER", "POSTGRES_USER"}},
	{"warehouse.password", []string{"WAREHOUSE_PASSWORD", "POSTGRES_PASSWORD"}},
	{"warehouse.name", []string{"WAREHOUSE_DB", "POSTGRES_DB"}},
	{"warehouse.sslmode", []string{"WAREHOUSE_SSLMODE", "POSTGRES_SSLMODE"}},
	{"warehouse.sqlite_path", []string{"SQLITE_PATH"}},
	{"warehouse.max_open_conns", []string{"WAREHOUSE_MAX_OPEN_CONNS"}},
	{"sync.interval", []string{"SYNC_INTERVAL"}},
	{"sync.run_lock_stale_after", []string{"SYNC_RUN_LOCK_STALE_AFTER"}},
	{"sync.stuck_run_timeout", []string{"SYNC_STUCK_RUN_TIMEOUT"}},
	{"sync.history_retention_days", []string{"SYNC_HISTORY_RETENTION_DAYS"}},
	{"sync.trigger_min_interval", []string{"SYNC_TRIGGER_MIN_INTERVAL"}},
	{"sync.watermark_overlap", []string{"SYNC_WATERMARK_OVERLAP"}},
	{"server.listen", []string{"SERVER_LISTEN"}},
	{"server.cors_origins", []string{"SERVER_CORS_ORIGINS"}},
	{"log.level", []string{"LOG_LEVEL"}},
	{"log.format", []string{"LOG_FORMAT"}},
	{"log.file", []string{"LOG_FILE"}},
	{"log.max_size_mb", []string{"LOG_MAX_SIZE_MB"}},
	{"log.max_backups", []string{"LOG_MAX_BACKUPS"}},
	{"registry_file", []string{"REGISTRY_FILE"}},
}

// Load assembles a Config. It reports unparsable values as a
// ConfigurationError but does not call Validate; callers validate what they
// need.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	for _, b := range bindings {
		args := append([]string{b.key}, b.envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", b.key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("read config file %s: %v", opts.ConfigFile, err)}}
		}
	}

	if opts.DotEnvFile != "" {
		values, err := readDotEnv(opts.DotEnvFile)
		if err != nil {
			return nil, &ConfigurationError{Problems: []string{err.Error()}}
		}
		if len(values) > 0 {
			if err := v.MergeConfigMap(dotEnvSettings(values)); err != nil {
				return nil, fmt.Errorf("merge %s: %w", opts.DotEnvFile, err)
			}
		}
	}

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	return decode(v)
}

// FromEnv is Load with only the process environment.
func FromEnv() (*Config, error) {
	return Load(LoadOptions{})
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("monday.api_url", d.Monday.APIURL)
	v.SetDefault("monday.api_version", d.Monday.APIVersion)
	v.SetDefault("monday.board_id", d.Monday.BoardID)
	v.SetDefault("monday.today_column", d.Monday.TodayColumn)
	v.SetDefault("monday.page_size", d.Monday.PageSize)
	v.SetDefault("monday.batch_size", d.Monday.BatchSize)
	v.SetDefault("monday.max_pages", d.Monday.MaxPages)
	v.SetDefault("monday.request_delay", d.Monday.RequestDelay)
	v.SetDefault("monday.request_timeout", d.Monday.RequestTimeout)
	v.SetDefault("monday.max_retries", d.Monday.MaxRetries)
	v.SetDefault("warehouse.type", d.Warehouse.Type)
	v.SetDefault("warehouse.port", d.Warehouse.Port)
	v.SetDefault("warehouse.sslmode", d.Warehouse.SSLMode)
	v.SetDefault("warehouse.max_open_conns", d.Warehouse.MaxOpenConns)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.run_lock_stale_after", d.Sync.RunLockStaleAfter)
	v.SetDefault("sync.stuck_run_timeout", d.Sync.StuckRunTimeout)
	v.SetDefault("sync.history_retention_days", d.Sync.HistoryRetentionDays)
	v.SetDefault("sync.trigger_min_interval", d.Sync.TriggerMinInterval)
	v.SetDefault("sync.watermark_overlap", d.Sync.WatermarkOverlap)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

func decode(v *viper.Viper) (*Config, error) {
	d := &decoder{v: v}
	cfg := &Config{
		Monday: MondayConfig{
			APIURL:         d.str("monday.api_url"),
			APIToken:       d.str("monday.api_token"),
			APIVersion:     d.str("monday.api_version"),
			BoardID:        d.bigint("monday.board_id"),
			TodayColumn:    d.str("monday.today_column"),
			PageSize:       d.integer("monday.page_size"),
			BatchSize:      d.integer("monday.batch_size"),
			MaxPages:       d.integer("monday.max_pages"),
			RequestDelay:   d.duration("monday.request_delay"),
			RequestTimeout: d.duration("monday.request_timeout"),
			MaxRetries:     d.integer("monday.max_retries"),
		},
		Warehouse: WarehouseConfig{
			Type:         strings.ToLower(d.str("warehouse.type")),
			URL:          d.str("warehouse.url"),
			Host:         d.str("warehouse.host"),
			Port:         d.integer("warehouse.port"),
			User:         d.str("warehouse.user"),
			Password:     d.str("warehouse.password"),
			Name:         d.str("warehouse.name"),
			SSLMode:      d.str("warehouse.sslmode"),
			SQLitePath:   d.str("warehouse.sqlite_path"),
			MaxOpenConns: d.integer("warehouse.max_open_conns"),
		},
		Sync: SyncConfig{
			Interval:             d.duration("sync.interval"),
			RunLockStaleAfter:    d.duration("sync.run_lock_stale_after"),
			StuckRunTimeout:      d.duration("sync.stuck_run_timeout"),
			HistoryRetentionDays: d.integer("sync.history_retention_days"),
			TriggerMinInterval:   d.duration("sync.trigger_min_interval"),
			WatermarkOverlap:     d.duration("sync.watermark_overlap"),
		},
		Server: ServerConfig{
			Listen:      d.str("server.listen"),
			CORSOrigins: d.list("server.cors_origins"),
		},
		Log: LogConfig{
			Level:      strings.ToLower(d.str("log.level")),
			Format:     strings.ToLower(d.str("log.format")),
			File:       d.str("log.file"),
			MaxSizeMB:  d.integer("log.max_size_mb"),
			MaxBackups: d.integer("log.max_backups"),
		},
		RegistryFile: d.str("registry_file"),
	}
	if len(d.problems) > 0 {
		return nil, &ConfigurationError{Problems: d.problems}
	}
	return cfg, nil
}

// decoder reads typed values and records the ones that do not parse instead
// of silently zeroing them.
type decoder struct {
	v        *viper.Viper
	problems []string
}

func (d *decoder) fail(key string, raw any, kind string) {
	d.problems = append(d.problems, fmt.Sprintf("%s: %q is not a valid %s", envName(key), fmt.Sprint(raw), kind))
}

func (d *decoder) str(key string) string {
	return strings.TrimSpace(d.v.GetString(key))
}

func (d *decoder) bigint(key string) int64 {
	raw := d.v.Get(key)
	switch val := raw.(type) {
	case nil:
		return 0
	case int:
		return int64(val)
	case int64:
		return val
	case float64:
		return int64(val)
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		d.fail(key, raw, "integer")
		return 0
	}
	return n
}

func (d *decoder) integer(key string) int {
	return int(d.bigint(key))
}

// duration accepts Go duration strings ("500ms", "15m") or plain numbers,
// read as seconds ("0.5").
func (d *decoder) duration(key string) time.Duration {
	raw := d.v.Get(key)
	switch val := raw.(type) {
	case nil:
		return 0
	case time.Duration:
		return val
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		d.fail(key, raw, "duration")
		return 0
	}
	return dur
}

func (d *decoder) list(key string) []string {
	raw := d.v.Get(key)
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = strings.Split(fmt.Sprint(val), ",")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envName(key string) string {
	for _, b := range bindings {
		if b.key == key {
			return b.envs[0]
		}
	}
	return key
}

func readDotEnv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make(map[string]string, len(dv.AllKeys()))
	for _, k := range dv.AllKeys() {
		out[strings.ToUpper(k)] = dv.GetString(k)
	}
	return out, nil
}

// dotEnvSettings translates KEY=value pairs into the nested settings map
// viper merges as a config layer.
func dotEnvSettings(values map[string]string) map[string]any {
	out := map[string]any{}
	for _, b := range bindings {
		for _, env := range b.envs {
			val, ok := values[env]
			if !ok {
				continue
			}
			setNested(out, strings.Split(b.key, "."), val)
			break
		}
	}
	return out
}

func setNested(m map[string]any, path []string, val any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}
