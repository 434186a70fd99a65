package savedlist

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/errors"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// DefaultDatabaseName is the SQLite file inside the saved documents
// directory.
const DefaultDatabaseName = "parts.db"

const schema = `
CREATE TABLE IF NOT EXISTS saved_artifacts (
	position       INTEGER NOT NULL,
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	manufacturer   TEXT NOT NULL,
	description    TEXT NOT NULL,
	datasheet_link TEXT NOT NULL,
	image_link     TEXT NOT NULL,
	custom_path    TEXT NOT NULL,
	saved_at       INTEGER NOT NULL,
	last_used_at   INTEGER NOT NULL
)`

// SQLite stores records in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn. dsn may be a
// file path or ":memory:".
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to open saved list database")
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to ping saved list database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to create saved list schema")
	}
	return &SQLite{db: db}, nil
}

// Load returns all rows in insertion order.
func (s *SQLite) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, manufacturer, description, datasheet_link, image_link,
		       custom_path, saved_at, last_used_at
		FROM saved_artifacts ORDER BY position`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to query saved list")
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			r               Record
			id              string
			savedAt, usedAt int64
		)
		if err := rows.Scan(&id, &r.Name, &r.Manufacturer, &r.Description, &r.DatasheetLink,
			&r.ImageLink, &r.CustomPath, &savedAt, &usedAt); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "failed to scan saved list row")
		}
		r.ID = artifact.ID(id)
		r.SavedAt = fromNanos(savedAt)
		r.LastUsedAt = fromNanos(usedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to read saved list")
	}
	return records, nil
}

// Store replaces all rows with records in one transaction.
func (s *SQLite) Store(ctx context.Context, records []Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to begin saved list transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM saved_artifacts`); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to clear saved list")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO saved_artifacts (position, id, name, manufacturer, description,
			datasheet_link, image_link, custom_path, saved_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to prepare saved list insert")
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range records {
		if _, err = stmt.ExecContext(ctx, i, string(r.ID), r.Name, r.Manufacturer, r.Description,
			r.DatasheetLink, r.ImageLink, r.CustomPath, toNanos(r.SavedAt), toNanos(r.LastUsedAt)); err != nil {
			return errors.WithContext(
				errors.Wrap(err, errors.CodeDatabase, "failed to insert saved list row"),
				"id", string(r.ID),
			)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to commit saved list")
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
