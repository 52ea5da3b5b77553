package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/mto-ops/worklog-sync/pkg/config"
	"github.com/mto-ops/worklog-sync/pkg/ha"
	"github.com/mto-ops/worklog-sync/pkg/monday"
	"github.com/mto-ops/worklog-sync/pkg/reconcile"
	"github.com/mto-ops/worklog-sync/pkg/registry"
	"github.com/mto-ops/worklog-sync/pkg/runs"
	"github.com/mto-ops/worklog-sync/pkg/warehouse"
)

// flagKeys binds persistent flags to configuration keys.
var flagKeys = map[string]string{
	"board-id":       "monday.board_id",
	"api-url":        "monday.api_url",
	"warehouse-type": "warehouse.type",
	"database-url":   "warehouse.url",
	"sqlite-path":    "warehouse.sqlite_path",
	"registry-file":  "registry_file",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"listen":         "server.listen",
	"interval":       "sync.interval",
}

// app carries what every command shares once the configuration is loaded.
type app struct {
	configFile string
	dotEnvFile string

	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "worklog-sync",
		Short: "Incrementally mirror a Monday.com board into a SQL warehouse",
		Long: `worklog-sync reads the items of one Monday.com board that changed since the
last run, plus the items due today, and writes them into the worklog fact
table. The table gains a TEXT column for every new board field; a watermark
table records how far each item has been synced.

Run "sync" from cron, or "serve" for a scheduler with a status API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logClose != nil {
				return a.logClose.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Optional config file (YAML, TOML or JSON)")
	pf.StringVar(&a.dotEnvFile, "env-file", ".env", "KEY=value file read before the environment; ignored when missing")
	pf.Int64("board-id", 0, "Board to sync (MONDAY_BOARD_ID)")
	pf.String("api-url", "", "GraphQL endpoint (MONDAY_API_URL)")
	pf.String("warehouse-type", "", "postgres, mysql or sqlite (WAREHOUSE_TYPE)")
	pf.String("database-url", "", "Warehouse connection URL (DATABASE_URL)")
	pf.String("sqlite-path", "", "SQLite database file (SQLITE_PATH)")
	pf.String("registry-file", "", "Field registry override (REGISTRY_FILE)")
	pf.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	pf.String("log-format", "", "text or json (LOG_FORMAT)")
	pf.String("log-file", "", "Also write logs to this rotated file (LOG_FILE)")
	_ = pf.MarkHidden("api-url")

	root.AddCommand(
		newSyncCmd(a),
		newFullRefreshCmd(a),
		newSeedCmd(a),
		newServeCmd(a),
		newRunsCmd(a),
		newWatermarkCmd(a),
		newHealthcheckCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: a.configFile,
		DotEnvFile: a.dotEnvFile,
		Flags:      cmd.Flags(),
		FlagKeys:   changedFlagKeys(cmd),
	})
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	a.logClose = closer
	return nil
}

// changedFlagKeys binds only flags given on the command line, so unset
// flags never shadow the environment.
func changedFlagKeys(cmd *cobra.Command) map[string]string {
	keys := map[string]string{}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			keys[name] = key
		}
	}
	return keys
}

// runtime is an opened warehouse plus the engine bound to it.
type runtime struct {
	db      *gorm.DB
	wh      *warehouse.Warehouse
	history *runs.Store
	engine  *reconcile.Engine
}

func (r *runtime) Close() error {
	return warehouse.Close(r.db)
}

// openWarehouse connects to the warehouse only.
func (a *app) openWarehouse() (*runtime, error) {
	if err := a.cfg.ValidateWarehouse(); err != nil {
		return nil, err
	}
	db, err := warehouse.Open(a.cfg.Warehouse, a.logger)
	if err != nil {
		return nil, err
	}
	return &runtime{db: db, wh: warehouse.New(db), history: runs.NewStore(db)}, nil
}

// openEngine connects to the warehouse and builds the sync engine. Commands
// that never reach the board skip validating its settings.
func (a *app) openEngine(needBoard bool) (*runtime, error) {
	if needBoard {
		if err := a.cfg.Validate(); err != nil {
			return nil, err
		}
	}
	reg, err := registry.Load(a.cfg.RegistryFile)
	if err != nil {
		return nil, &config.ConfigurationError{Problems: []string{err.Error()}}
	}
	rt, err := a.openWarehouse()
	if err != nil {
		return nil, err
	}

	lockCfg := ha.DefaultLockConfig(a.cfg.Monday.BoardID)
	lockCfg.StaleAfter = a.cfg.Sync.RunLockStaleAfter
	lockCfg.Logger = a.logger
	locker, err := ha.NewRunLocker(rt.db, lockCfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	engine, err := reconcile.NewEngine(reconcile.Options{
		Source:           monday.NewClient(a.cfg.Monday, monday.WithLogger(a.logger)),
		Warehouse:        rt.wh,
		Registry:         reg,
		Locker:           locker,
		History:          rt.history,
		BoardID:          a.cfg.Monday.BoardID,
		WatermarkOverlap: a.cfg.Sync.WatermarkOverlap,
		Logger:           a.logger,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

// lockSkipIsSuccess maps a run skipped for a held lock to success; the run
// holding the lock does the work.
func lockSkipIsSuccess(err error) error {
	if errors.Is(err, ha.ErrLockHeld) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s error: %w", reconcile.ErrorKind(err), err)
	}
	return nil
}
