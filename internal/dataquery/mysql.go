package dataquery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-sql-driver/mysql"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Querier runs read-only queries. *MySQL satisfies it.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
}

// MySQLConfig configures the warehouse connection.
type MySQLConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	Timeout      time.Duration
	MaxOpenConns int
	// Connection attempts made before Open gives up.
	ConnectAttempts uint
}

// DSN renders cfg as a go-sql-driver DSN.
func (cfg MySQLConfig) DSN() string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Database
	c.Timeout = cfg.Timeout
	c.ReadTimeout = cfg.Timeout
	c.ParseTime = true
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// MySQL is a Querier over database/sql.
type MySQL struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenMySQL connects to the warehouse, retrying the initial ping.
func OpenMySQL(ctx context.Context, cfg MySQLConfig, logger *slog.Logger) (*MySQL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 3
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("mysql ping failed, retrying", "host", cfg.Host, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql at %s: %w", cfg.Host, err)
	}

	logger.Info("connected to mysql", "host", cfg.Host, "database", cfg.Database)
	return &MySQL{db: db, logger: logger}, nil
}

// Query runs query and returns every row. Byte columns are returned as
// strings.
func (m *MySQL) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// Close closes the connection pool.
func (m *MySQL) Close() error {
	return m.db.Close()
}
