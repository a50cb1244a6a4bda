// Package history keeps a local SQLite ledger of finished uploads so past
// results can be looked up after the process exits.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/uploads"
)

// DefaultLimit is the number of entries Recent returns when asked for zero.
const DefaultLimit = 20

// Entry is one finished upload.
type Entry struct {
	ID            int64
	ItemID        string
	FileName      string
	LocalPath     string
	SizeBytes     int64
	Kind          api.Kind
	Status        uploads.Status
	ResultLocator string
	ErrorMessage  string
	BackendURL    string
	RecordedAt    time.Time
}

// ResultName is the processed file name expected for a successful entry.
func (e Entry) ResultName() string {
	if e.Status != uploads.StatusSuccess || e.ResultLocator == "" {
		return ""
	}

	return e.Kind.ResultName(e.ResultLocator)
}

// Ledger is the upload history database. Safe for concurrent use; writes go
// through a single connection.
type Ledger struct {
	db         *sql.DB
	logger     *slog.Logger
	backendURL string
	now        func() time.Time
}

// Open opens (creating if needed) the ledger at dbPath and applies
// migrations. Use ":memory:" for tests. backendURL is stamped on every entry.
func Open(ctx context.Context, dbPath, backendURL string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("opening upload history", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}

	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, logger: logger, backendURL: backendURL, now: time.Now}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("history: %s: %w", p, err)
		}
	}

	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends a finished upload. Items that are not in a terminal state
// are ignored.
func (l *Ledger) Record(ctx context.Context, it uploads.Item) error {
	if !it.Status.Terminal() {
		return nil
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO uploads (item_id, file_name, local_path, size_bytes, kind, status,
			result_locator, error_message, backend_url, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.File.Name, it.File.Path, it.File.Size, it.Kind.String(), string(it.Status),
		it.ResultLocator, it.ErrorMessage, l.backendURL, l.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: recording %s: %w", it.File.Name, err)
	}

	l.logger.Debug("upload recorded",
		slog.String("name", it.File.Name),
		slog.String("status", string(it.Status)),
	)

	return nil
}

// Observer adapts Record to an uploads.Observer. Write failures are logged.
func (l *Ledger) Observer(ctx context.Context) uploads.Observer {
	return func(it uploads.Item) {
		if err := l.Record(ctx, it); err != nil {
			l.logger.Warn("failed to record upload", slog.String("error", err.Error()))
		}
	}
}

// Filter narrows Recent.
type Filter struct {
	Limit  int
	Status uploads.Status // empty for all
}

// Recent returns finished uploads, newest first.
func (l *Ledger) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, item_id, file_name, local_path, size_bytes, kind, status,
			result_locator, error_message, backend_url, recorded_at
		FROM uploads
		WHERE (? = '' OR status = ?)
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`,
		string(f.Status), string(f.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: querying uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e          Entry
			kind       string
			status     string
			recordedAt int64
		)

		if err := rows.Scan(&e.ID, &e.ItemID, &e.FileName, &e.LocalPath, &e.SizeBytes, &kind, &status,
			&e.ResultLocator, &e.ErrorMessage, &e.BackendURL, &recordedAt); err != nil {
			return nil, fmt.Errorf("history: scanning upload row: %w", err)
		}

		e.Kind = api.Kind(kind)
		e.Status = uploads.Status(status)
		e.RecordedAt = time.Unix(0, recordedAt)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating uploads: %w", err)
	}

	return entries, nil
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM uploads WHERE recorded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: pruning uploads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: pruning uploads: %w", err)
	}

	if n > 0 {
		l.logger.Info("pruned upload history", slog.Int64("removed", n))
	}

	return n, nil
}
