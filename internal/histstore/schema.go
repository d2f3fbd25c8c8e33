// Package histstore is the scheduler's durable archive: terminal job
// history, rolling quota-window samples, and a copy of server-audit
// events, backed by database/sql. It defaults to sqlite
// (modernc.org/sqlite, no cgo) and optionally speaks Postgres
// (jackc/pgx/v5/stdlib), selected the same way PrintMaster's
// storage.NewStore picks a driver from config. Schema versioning is a
// hand-rolled expectedSchema map reconciled with ALTER TABLE at
// startup, matching agent/storage/migrations.go — the teacher never
// actually imports golang-migrate, so this doesn't either.
package histstore

// column describes one expected column of a table, used by
// reconcileSchema to detect and add columns missing from an older
// database on disk.
type column struct {
	name string
	// sqliteType and postgresType may differ (e.g. INTEGER vs BIGINT);
	// reconcileSchema picks the right one for the active driver.
	sqliteType   string
	postgresType string
}

type table struct {
	name    string
	columns []column
	// createSQLite/createPostgres are the full CREATE TABLE statements
	// used only when the table does not exist yet.
	createSQLite   string
	createPostgres string
}

// expectedSchema is the full set of tables histstore owns. Adding a
// column here and to the relevant createSQLite/createPostgres string
// is sufficient for both fresh databases and in-place upgrades.
var expectedSchema = []table{
	{
		name: "job_history",
		columns: []column{
			{"id", "INTEGER", "BIGINT"},
			{"destination", "TEXT", "TEXT"},
			{"owner", "TEXT", "TEXT"},
			{"pages", "INTEGER", "INTEGER"},
			{"state", "TEXT", "TEXT"},
			{"state_reasons", "TEXT", "TEXT"},
			{"created_at", "TIMESTAMP", "TIMESTAMPTZ"},
			{"completed_at", "TIMESTAMP", "TIMESTAMPTZ"},
		},
		createSQLite: `CREATE TABLE job_history (
			id INTEGER PRIMARY KEY,
			destination TEXT NOT NULL,
			owner TEXT NOT NULL,
			pages INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			state_reasons TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL
		)`,
		createPostgres: `CREATE TABLE job_history (
			id BIGINT PRIMARY KEY,
			destination TEXT NOT NULL,
			owner TEXT NOT NULL,
			pages INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			state_reasons TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "quota_windows",
		columns: []column{
			{"printer", "TEXT", "TEXT"},
			{"owner", "TEXT", "TEXT"},
			{"window_start", "TIMESTAMP", "TIMESTAMPTZ"},
			{"page_count", "INTEGER", "INTEGER"},
			{"job_count", "INTEGER", "INTEGER"},
		},
		createSQLite: `CREATE TABLE quota_windows (
			printer TEXT NOT NULL,
			owner TEXT NOT NULL,
			window_start TIMESTAMP NOT NULL,
			page_count INTEGER NOT NULL DEFAULT 0,
			job_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (printer, owner, window_start)
		)`,
		createPostgres: `CREATE TABLE quota_windows (
			printer TEXT NOT NULL,
			owner TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			page_count INTEGER NOT NULL DEFAULT 0,
			job_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (printer, owner, window_start)
		)`,
	},
	{
		name: "server_audit",
		columns: []column{
			{"seq_id", "INTEGER", "BIGINT"},
			{"kind", "TEXT", "TEXT"},
			{"printer", "TEXT", "TEXT"},
			{"job_id", "INTEGER", "INTEGER"},
			{"message", "TEXT", "TEXT"},
			{"occurred_at", "TIMESTAMP", "TIMESTAMPTZ"},
		},
		createSQLite: `CREATE TABLE server_audit (
			seq_id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			printer TEXT NOT NULL DEFAULT '',
			job_id INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMP NOT NULL
		)`,
		createPostgres: `CREATE TABLE server_audit (
			seq_id BIGINT PRIMARY KEY,
			kind TEXT NOT NULL,
			printer TEXT NOT NULL DEFAULT '',
			job_id INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
	},
}
