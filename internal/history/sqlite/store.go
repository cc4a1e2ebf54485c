package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/halcyon-lab/ophistory/internal/history"
	"github.com/halcyon-lab/ophistory/internal/migrations"
	"github.com/mattn/go-sqlite3"
)

const (
	queryInsertEvent = `
		INSERT INTO access_events (
			subject_id, package_name, device_id, op_code, attribution_tag,
			subject_state, op_flags, attribution_flags, chain_id,
			access_time, duration, total_duration, access_count, reject_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	querySelectEvents = `
		SELECT
			subject_id, package_name, device_id, op_code, attribution_tag,
			subject_state, op_flags, attribution_flags, chain_id,
			access_time, duration, total_duration, access_count, reject_count
		FROM access_events
	`

	queryMaxChainID = `SELECT MAX(chain_id) FROM access_events`

	queryCountRows = `SELECT COUNT(*) FROM access_events`

	queryDeleteAll = `DELETE FROM access_events`

	queryDeleteForSubjectPackage = `DELETE FROM access_events WHERE subject_id = ? AND package_name = ?`

	queryDeleteBeforeAccessTime = `DELETE FROM access_events WHERE access_time < ?`

	queryDeleteOldest = `
		DELETE FROM access_events WHERE id IN (
			SELECT id FROM access_events ORDER BY access_time ASC, id ASC LIMIT ?
		)
	`

	queryCreateAccessTimeIndex = `
		CREATE INDEX IF NOT EXISTS idx_access_events_access_time
		ON access_events (access_time)
	`
)

// Options configures one store instance.
type Options struct {
	// Label names the instance in logs ("short_window"/"long_window").
	Label string
	// CreateAccessTimeIndex is set for the short-window instance, which is
	// read often for privacy-dashboard style queries.
	CreateAccessTimeIndex bool
	// AutoMigrate applies pending schema migrations on open.
	AutoMigrate bool
}

// Store implements history.Store on a single SQLite file. WAL mode keeps
// long read transactions from blocking the writer; the writer side is a
// transaction per batch.
type Store struct {
	db    *sql.DB
	path  string
	label string
}

// Open creates or opens the database file. A corrupt file is deleted and
// recreated once rather than propagating a crash to the host: this is an
// archival store, losing it is survivable.
func Open(path string, opts Options) (*Store, error) {
	db, err := openAndMigrate(path, opts)
	if err != nil {
		if !isCorrupt(err) {
			return nil, err
		}
		slog.Error("[SQLite] Database is corrupted, recreating", "database", opts.Label, "path", path, "error", err)
		removeDatabaseFiles(path)
		db, err = openAndMigrate(path, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate corrupt database: %w", err)
		}
	}

	slog.Info("[SQLite] Store opened", "database", opts.Label, "path", path)
	return &Store{db: db, path: path, label: opts.Label}, nil
}

func openAndMigrate(path string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time; WAL readers don't need their own pool slots
	// beyond a couple of concurrent queries.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db, opts.Label, opts.AutoMigrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if opts.CreateAccessTimeIndex {
		if _, err := db.Exec(queryCreateAccessTimeIndex); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create access_time index: %w", err)
		}
	}

	return db, nil
}

func isCorrupt(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB
	}
	return false
}

func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Error("[SQLite] Couldn't remove database file", "path", p, "error", err)
		}
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection for health checks and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertBatch writes rows in one transaction. A single row's failure is
// logged and skipped without aborting the batch; a failed commit loses the
// whole batch and is reported to the caller for logging. Durability is
// best-effort per row, at most once.
func (s *Store) InsertBatch(ctx context.Context, rows []history.AggregatedEvent, reason string) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert batch (%s): begin tx: %w", reason, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryInsertEvent)
	if err != nil {
		return fmt.Errorf("insert batch (%s): prepare: %w", reason, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.SubjectID,
			row.PackageName,
			deviceIDForWrite(row.DeviceID),
			row.OpCode,
			textOrNull(row.AttributionTag),
			row.SubjectState,
			row.OpFlags,
			row.AttributionFlags,
			row.ChainID,
			row.AccessTime,
			row.Duration,
			row.TotalDuration,
			row.AccessCount,
			row.RejectCount,
		); err != nil {
			slog.Error("[SQLite] Couldn't insert access event, skipping row",
				"database", s.label,
				"subject_id", row.SubjectID,
				"package", row.PackageName,
				"op", history.OpName(row.OpCode),
				"error", err,
			)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert batch (%s): commit, %d rows lost: %w", reason, inserted, err)
	}

	slog.Debug("[SQLite] Wrote batch",
		"database", s.label,
		"rows", inserted,
		"skipped", len(rows)-inserted,
		"reason", reason,
		"elapsed", time.Since(start),
	)
	return nil
}

// Query reads rows matching the filter inside a read-only transaction so
// slow reads never block the writer.
func (s *Store) Query(ctx context.Context, f history.StoreFilter) ([]history.AggregatedEvent, error) {
	query, args := buildSelect(f)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("query events: begin read tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var results []history.AggregatedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		results = append(results, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: iterate rows: %w", err)
	}
	return results, nil
}

// MaxChainID returns the largest persisted chain id, or zero when none
// exist. Used once at startup as the chain-id offset across restarts.
func (s *Store) MaxChainID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, queryMaxChainID).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max chain id: %w", err)
	}
	if !maxID.Valid || maxID.Int64 < 0 {
		return 0, nil
	}
	return maxID.Int64, nil
}

// CountRows returns the total persisted row count.
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, queryCountRows).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// DeleteAll removes every row.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, queryDeleteAll); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

// DeleteFor removes rows for one subject and package.
func (s *Store) DeleteFor(ctx context.Context, subjectID int32, packageName string) error {
	if _, err := s.db.ExecContext(ctx, queryDeleteForSubjectPackage, subjectID, packageName); err != nil {
		return fmt.Errorf("delete for subject %d package %q: %w", subjectID, packageName, err)
	}
	return nil
}

// DeleteBefore removes rows with access_time strictly before the cutoff;
// a row at exactly the cutoff survives until the next run.
func (s *Store) DeleteBefore(ctx context.Context, cutoffMillis int64) error {
	res, err := s.db.ExecContext(ctx, queryDeleteBeforeAccessTime, cutoffMillis)
	if err != nil {
		return fmt.Errorf("delete before %d: %w", cutoffMillis, err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		slog.Info("[SQLite] Deleted expired rows", "database", s.label, "rows", deleted, "cutoff", cutoffMillis)
	}
	return nil
}

// DeleteOldest removes the n oldest rows by access time, bounding file
// growth.
func (s *Store) DeleteOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, queryDeleteOldest, n)
	if err != nil {
		return fmt.Errorf("delete oldest %d: %w", n, err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		slog.Info("[SQLite] Pruned oldest rows", "database", s.label, "rows", deleted)
	}
	return nil
}

// FileSize reports the main database file's size in bytes, zero when the
// file cannot be stat'd.
func (s *Store) FileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Almost all rows are for the host device; store NULL for it to save disk.
func deviceIDForWrite(deviceID string) any {
	if deviceID == "" || deviceID == history.DefaultDeviceID {
		return nil
	}
	return deviceID
}

func textOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
