// Package sqlite journals device transitions in SQLite.
//
// The journal is a record of the requests the daemon served since it
// started. It is truncated when opened: device state is rediscovered
// on every start and never restored from here.
//
// All SQL runs through statements prepared when the journal is
// opened. Callers serialise writes; the manager records each request
// after it completes, under its own lock.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-persistenced"
)

//go:embed schema.sql
var schemaSQL string

// pragma is a per-connection setting carried in the DSN.
type pragma struct {
	name, value string
}

// filePragmas apply to on-disk journals.
var filePragmas = []pragma{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
}

// Journal is a transition journal backed by SQLite.
type Journal struct {
	db         *sql.DB
	maxEntries int
	logger     *slog.Logger

	stmtInsert   *sql.Stmt
	stmtHistory  *sql.Stmt
	stmtPrune    *sql.Stmt
	stmtCount    *sql.Stmt
	stmtTruncate *sql.Stmt
}

// New opens the journal at dbPath, creating it if needed, and
// discards entries left by a previous run. maxEntries bounds the
// number of rows kept; zero means unbounded.
func New(ctx context.Context, dbPath string, maxEntries int, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, journalDSN(dbPath, filePragmas...))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j, err := open(ctx, db, maxEntries, logger)
	if err != nil {
		return nil, err
	}
	if err := j.truncate(ctx); err != nil {
		j.Close()
		return nil, err
	}

	logger.Info("opened journal", "path", dbPath, "max_entries", maxEntries)
	return j, nil
}

// NewInMemory opens an in-memory journal for testing.
func NewInMemory(ctx context.Context, maxEntries int, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, journalDSN(":memory:"))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	j, err := open(ctx, db, maxEntries, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened in-memory journal")
	return j, nil
}

func open(ctx context.Context, db *sql.DB, maxEntries int, logger *slog.Logger) (*Journal, error) {
	if maxEntries < 0 {
		db.Close()
		return nil, fmt.Errorf("max entries must not be negative: %d", maxEntries)
	}
	j := &Journal{db: db, maxEntries: maxEntries, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: failed to execute schema: %w", err)
	}
	if err := j.prepareStatements(ctx); err != nil {
		j.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return j, nil
}

func (j *Journal) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsert = `
		INSERT INTO transitions
		(id, op_id, operation, device, value, status, error, started_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if j.stmtInsert, err = j.db.PrepareContext(ctx, sqlInsert); err != nil {
		return fmt.Errorf("prepare Insert: %w", err)
	}

	const sqlHistory = `
		SELECT id, op_id, operation, device, value, status, error, started_at, duration_us
		FROM transitions
		ORDER BY seq DESC
		LIMIT ?`
	if j.stmtHistory, err = j.db.PrepareContext(ctx, sqlHistory); err != nil {
		return fmt.Errorf("prepare History: %w", err)
	}

	const sqlPrune = `
		DELETE FROM transitions
		WHERE seq <= (SELECT seq FROM transitions ORDER BY seq DESC LIMIT 1 OFFSET ?)`
	if j.stmtPrune, err = j.db.PrepareContext(ctx, sqlPrune); err != nil {
		return fmt.Errorf("prepare Prune: %w", err)
	}

	const sqlCount = "SELECT COUNT(*) FROM transitions"
	if j.stmtCount, err = j.db.PrepareContext(ctx, sqlCount); err != nil {
		return fmt.Errorf("prepare Count: %w", err)
	}

	const sqlTruncate = "DELETE FROM transitions"
	if j.stmtTruncate, err = j.db.PrepareContext(ctx, sqlTruncate); err != nil {
		return fmt.Errorf("prepare Truncate: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the database.
func (j *Journal) Close() error {
	j.closeStatements()
	return j.db.Close()
}

// closeStatements ignores close errors; the database is about to be
// closed.
func (j *Journal) closeStatements() {
	for _, stmt := range []*sql.Stmt{j.stmtInsert, j.stmtHistory, j.stmtPrune, j.stmtCount, j.stmtTruncate} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (j *Journal) truncate(ctx context.Context) error {
	res, err := j.stmtTruncate.ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Debug("discarded previous journal entries", "count", n)
	}
	return nil
}

// Record appends t, assigning an id when t has none, and prunes the
// oldest entries beyond the configured maximum.
func (j *Journal) Record(ctx context.Context, t persistenced.Transition) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	start := time.Now()

	_, err := j.stmtInsert.ExecContext(ctx,
		t.ID,
		int64(t.OpID),
		string(t.Operation),
		t.Device.String(),
		t.Value,
		int32(t.Status),
		t.Error,
		t.Started.UTC().Format(time.RFC3339Nano),
		t.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert transition %s: %w", t.ID, err)
	}

	if j.maxEntries > 0 {
		if _, err := j.stmtPrune.ExecContext(ctx, j.maxEntries); err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
	}

	j.logger.DebugContext(ctx, "sql", "stmt", "Record", "id", t.ID, "duration_ms", msec(time.Since(start)))
	return nil
}

// History returns up to limit entries, newest first. A limit of zero
// or less returns every entry.
func (j *Journal) History(ctx context.Context, limit int) ([]persistenced.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.stmtHistory.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []persistenced.Transition
	for rows.Next() {
		var (
			t          persistenced.Transition
			opID       int64
			op, device string
			status     int32
			started    string
			durationUS int64
		)
		if err := rows.Scan(&t.ID, &opID, &op, &device, &t.Value, &status, &t.Error, &started, &durationUS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		addr, err := persistenced.ParsePCIAddress(device)
		if err != nil {
			return nil, fmt.Errorf("transition %s: %w", t.ID, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("transition %s: parse start time: %w", t.ID, err)
		}
		t.OpID = uint64(opID)
		t.Operation = persistenced.Operation(op)
		t.Device = addr
		t.Status = persistenced.Status(status)
		t.Started = ts
		t.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Len returns the number of entries.
func (j *Journal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.stmtCount.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}
