package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// DSN returns the driver connection string for the configured warehouse.
// PostgreSQL URLs are converted to libpq key/value form; MySQL DSNs always
// carry parseTime so timestamps scan into time.Time.
func (w WarehouseConfig) DSN() (string, error) {
	switch w.Type {
	case WarehousePostgres:
		return w.postgresDSN()
	case WarehouseMySQL:
		return w.mysqlDSN()
	case WarehouseSQLite:
		if w.SQLitePath == "" {
			return "", fmt.Errorf("sqlite path is empty")
		}
		return w.SQLitePath, nil
	default:
		return "", fmt.Errorf("unsupported warehouse type %q", w.Type)
	}
}

func (w WarehouseConfig) postgresDSN() (string, error) {
	if w.URL != "" {
		if strings.HasPrefix(w.URL, "postgres://") || strings.HasPrefix(w.URL, "postgresql://") {
			dsn, err := pq.ParseURL(w.URL)
			if err != nil {
				return "", fmt.Errorf("parse postgres url: %w", err)
			}
			return dsn, nil
		}
		return w.URL, nil
	}

	parts := []string{
		"host=" + quoteDSNValue(w.Host),
		"port=" + strconv.Itoa(w.Port),
		"user=" + quoteDSNValue(w.User),
		"password=" + quoteDSNValue(w.Password),
		"dbname=" + quoteDSNValue(w.Name),
	}
	if w.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSNValue(w.SSLMode))
	}
	return strings.Join(parts, " "), nil
}

func (w WarehouseConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if w.URL != "" {
		parsed, err := mysql.ParseDSN(w.URL)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = w.User
		cfg.Passwd = w.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
		cfg.DBName = w.Name
		cfg.Params = map[string]string{"charset": "utf8mb4"}
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// quoteDSNValue quotes a libpq key/value setting when it contains spaces,
// quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
