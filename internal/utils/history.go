package utils

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ExportRecord is one row of the export history ledger.
type ExportRecord struct {
	RunID     string
	Deck      string
	OutPath   string
	Status    string
	Bytes     int64
	Duration  time.Duration
	CacheHit  bool
	Error     string
	CreatedAt time.Time
}

var historyDB struct {
	sync.Mutex
	dsn string
	db  *sql.DB
}

func postgresPort(cfg PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

func postgresDSN(cfg PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	port := postgresPort(cfg)
	// Handle IPv6 or explicit host:port strings.
	if strings.HasPrefix(hostPort, "[") {
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	} else if strings.Count(hostPort, ":") >= 2 {
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	} else if !strings.Contains(hostPort, ":") {
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func getHistoryDB(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	historyDB.Lock()
	defer historyDB.Unlock()

	if historyDB.db != nil && historyDB.dsn == dsn {
		return historyDB.db, nil
	}
	if historyDB.db != nil {
		_ = historyDB.db.Close()
		historyDB.db = nil
		historyDB.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// One writer per CLI invocation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	historyDB.db = db
	historyDB.dsn = dsn
	return historyDB.db, nil
}

func ensureHistorySchema(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ddl1 := `CREATE TABLE IF NOT EXISTS export_runs (
		run_id TEXT PRIMARY KEY,
		deck TEXT NOT NULL,
		out_path TEXT NOT NULL,
		status TEXT NOT NULL,
		bytes BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		cache_hit BOOLEAN NOT NULL DEFAULT false,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	ddl2 := `CREATE INDEX IF NOT EXISTS idx_export_runs_deck_created_at ON export_runs (deck, created_at);`
	if _, err := db.ExecContext(ctx, ddl1); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl2); err != nil {
		return err
	}
	return nil
}

// RecordExport appends rec to the export_runs table, creating it if needed.
func RecordExport(ctx context.Context, cfg PostgresConfig, rec ExportRecord) error {
	db, err := getHistoryDB(ctx, cfg)
	if err != nil {
		return err
	}
	if err := ensureHistorySchema(ctx, db); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO export_runs (run_id, deck, out_path, status, bytes, duration_ms, cache_hit, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		rec.RunID, rec.Deck, rec.OutPath, rec.Status, rec.Bytes, rec.Duration.Milliseconds(), rec.CacheHit, errText, created,
	)
	return err
}

// CloseHistory releases the history connection, if one was opened.
func CloseHistory() {
	historyDB.Lock()
	defer historyDB.Unlock()
	if historyDB.db != nil {
		_ = historyDB.db.Close()
		historyDB.db = nil
		historyDB.dsn = ""
	}
}
