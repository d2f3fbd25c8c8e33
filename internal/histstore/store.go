package histstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/event"
)

// Store is the history archive's handle. All methods are safe for
// concurrent use; internal/scheduler records each audit event from a
// goroutine of its own while job archiving and quota queries run inline,
// so calls can overlap and database/sql's own connection pool still
// matters here.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured backend and reconciles its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.EffectiveDriver()
	var dsn, sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite"
		path := cfg.Path
		if path == "" {
			path = "schedulerd-history.db"
		}
		dsn = path
	case "postgres":
		sqlDriver = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("histstore: unknown database driver %q", cfg.Driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("histstore: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("histstore: ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.reconcileSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) reconcileSchema(ctx context.Context) error {
	for _, t := range expectedSchema {
		exists, err := s.tableExists(ctx, t.name)
		if err != nil {
			return err
		}
		if !exists {
			createSQL := t.createSQLite
			if s.driver == "postgres" {
				createSQL = t.createPostgres
			}
			if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
				return fmt.Errorf("histstore: create table %s: %w", t.name, err)
			}
			continue
		}
		if err := s.reconcileColumns(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var query string
	switch s.driver {
	case "postgres":
		query = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`
	default:
		query = `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("histstore: check table %s: %w", name, err)
	}
	return exists, nil
}

func (s *Store) existingColumns(ctx context.Context, name string) (map[string]bool, error) {
	cols := map[string]bool{}
	switch s.driver {
	case "postgres":
		rows, err := s.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, name)
		if err != nil {
			return nil, fmt.Errorf("histstore: list columns %s: %w", name, err)
		}
		defer rows.Close()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return nil, err
			}
			cols[c] = true
		}
	default:
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, name))
		if err != nil {
			return nil, fmt.Errorf("histstore: list columns %s: %w", name, err)
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var colName, colType string
			var notNull int
			var dfltValue any
			var pk int
			if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
				return nil, err
			}
			cols[colName] = true
		}
	}
	return cols, nil
}

func (s *Store) reconcileColumns(ctx context.Context, t table) error {
	existing, err := s.existingColumns(ctx, t.name)
	if err != nil {
		return err
	}
	for _, c := range t.columns {
		if existing[c.name] {
			continue
		}
		colType := c.sqliteType
		if s.driver == "postgres" {
			colType = c.postgresType
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t.name, c.name, colType)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("histstore: add column %s.%s: %w", t.name, c.name, err)
		}
	}
	return nil
}

// JobRecord is one terminal job archived past the spool-retention window.
type JobRecord struct {
	ID           int
	Destination  string
	Owner        string
	Pages        int
	State        string
	StateReasons string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// RecordJob archives a terminal job.
func (s *Store) RecordJob(ctx context.Context, r JobRecord) error {
	_, err := s.db.ExecContext(ctx, placeholderize(s.driver,
		`INSERT INTO job_history (id, destination, owner, pages, state, state_reasons, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Destination, r.Owner, r.Pages, r.State, r.StateReasons, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("histstore: record job %d: %w", r.ID, err)
	}
	return nil
}

// JobsForOwner returns archived jobs for owner, most recent first,
// capped at limit.
func (s *Store) JobsForOwner(ctx context.Context, owner string, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, placeholderize(s.driver,
		`SELECT id, destination, owner, pages, state, state_reasons, created_at, completed_at
		 FROM job_history WHERE owner = ? ORDER BY completed_at DESC LIMIT ?`), owner, limit)
	if err != nil {
		return nil, fmt.Errorf("histstore: query jobs for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.ID, &r.Destination, &r.Owner, &r.Pages, &r.State, &r.StateReasons, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("histstore: scan job row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QuotaWindow is one rolling sample backing internal/job's quota
// check, persisted so quotas survive a restart mid-window.
type QuotaWindow struct {
	Printer     string
	Owner       string
	WindowStart time.Time
	PageCount   int
	JobCount    int
}

// UpsertQuotaWindow records or updates a (printer, owner, windowStart)
// sample, adding the given page/job deltas.
func (s *Store) UpsertQuotaWindow(ctx context.Context, printer, owner string, windowStart time.Time, pageDelta, jobDelta int) error {
	var upsert string
	switch s.driver {
	case "postgres":
		upsert = `INSERT INTO quota_windows (printer, owner, window_start, page_count, job_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (printer, owner, window_start)
			DO UPDATE SET page_count = quota_windows.page_count + $4, job_count = quota_windows.job_count + $5`
	default:
		upsert = `INSERT INTO quota_windows (printer, owner, window_start, page_count, job_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (printer, owner, window_start)
			DO UPDATE SET page_count = page_count + excluded.page_count, job_count = job_count + excluded.job_count`
	}
	if _, err := s.db.ExecContext(ctx, upsert, printer, owner, windowStart, pageDelta, jobDelta); err != nil {
		return fmt.Errorf("histstore: upsert quota window %s/%s: %w", printer, owner, err)
	}
	return nil
}

// QuotaTotals sums page and job counts for (printer, owner) across
// windows starting at or after since.
func (s *Store) QuotaTotals(ctx context.Context, printer, owner string, since time.Time) (pages, jobs int, err error) {
	row := s.db.QueryRowContext(ctx, placeholderize(s.driver,
		`SELECT COALESCE(SUM(page_count), 0), COALESCE(SUM(job_count), 0)
		 FROM quota_windows WHERE printer = ? AND owner = ? AND window_start >= ?`),
		printer, owner, since)
	if err := row.Scan(&pages, &jobs); err != nil {
		return 0, 0, fmt.Errorf("histstore: quota totals %s/%s: %w", printer, owner, err)
	}
	return pages, jobs, nil
}

// RecordAudit durably archives a server-audit event, independent of
// the in-memory event ring.
func (s *Store) RecordAudit(ctx context.Context, e event.Event) error {
	_, err := s.db.ExecContext(ctx, placeholderize(s.driver,
		`INSERT INTO server_audit (seq_id, kind, printer, job_id, message, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.SeqID, e.Kind.String(), e.Printer, e.JobID, auditMessage(e), e.Time)
	if err != nil {
		return fmt.Errorf("histstore: record audit %d: %w", e.SeqID, err)
	}
	return nil
}

func auditMessage(e event.Event) string {
	return e.Attrs.OptStr("message", "")
}

// placeholderize rewrites "?"-style placeholders to "$N" for the
// postgres driver; every query above is written with "?" and passed
// through this before execution.
func placeholderize(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
