// Package catalog stores a snapshot of a reconciled message set in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dhcgn/mail-to-pdf/reconcile"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	fingerprint TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	subject     TEXT NOT NULL,
	sender      TEXT NOT NULL,
	order_time  TEXT,
	source      TEXT NOT NULL,
	attachments INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
	fingerprint TEXT NOT NULL REFERENCES messages(fingerprint) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	position    INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, source)
);
CREATE TABLE IF NOT EXISTS duplicates (
	fingerprint TEXT NOT NULL REFERENCES messages(fingerprint) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	message_id  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_order_time ON messages(order_time);
`

type Catalog struct {
	*sql.DB
}

// Row is one catalogued message.
type Row struct {
	Fingerprint string
	MessageID   string
	Subject     string
	Sender      string
	OrderTime   time.Time
	Source      string
	Sources     []string
	Attachments int
	Duplicates  int
}

// Open opens or creates the catalog at path.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return &Catalog{sqlDB}, nil
}

// Save replaces the catalog contents with set.
func (c *Catalog) Save(ctx context.Context, set *reconcile.Set) (err error) {
	if set == nil {
		return reconcile.ErrNilSet
	}
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{"DELETE FROM duplicates", "DELETE FROM sources", "DELETE FROM messages"} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}
	}

	for _, e := range set.Entries() {
		m := e.Message
		var orderTime sql.NullString
		if ts := m.OrderTime(); !ts.IsZero() {
			orderTime = sql.NullString{String: ts.UTC().Format(time.RFC3339), Valid: true}
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (fingerprint, message_id, subject, sender, order_time, source, attachments) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(e.Fingerprint), m.ID, m.Subject, m.From.Address, orderTime, e.Source, len(m.AllAttachments()),
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		for i, src := range e.Sources {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO sources (fingerprint, source, position) VALUES (?, ?, ?)`,
				string(e.Fingerprint), src, i,
			); err != nil {
				return fmt.Errorf("insert source for %s: %w", m.ID, err)
			}
		}
		for _, d := range e.Duplicates {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO duplicates (fingerprint, source, message_id) VALUES (?, ?, ?)`,
				string(e.Fingerprint), d.Source, d.MessageID,
			); err != nil {
				return fmt.Errorf("insert duplicate for %s: %w", m.ID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog: %w", err)
	}
	return nil
}

// Rows lists catalogued messages chronologically; undated messages come first.
func (c *Catalog) Rows(ctx context.Context) ([]Row, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT m.fingerprint, m.message_id, m.subject, m.sender, m.order_time, m.source, m.attachments,
		       (SELECT COUNT(*) FROM duplicates d WHERE d.fingerprint = m.fingerprint)
		FROM messages m
		ORDER BY m.order_time IS NOT NULL, m.order_time, m.fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r         Row
			orderTime sql.NullString
		)
		if err := rows.Scan(&r.Fingerprint, &r.MessageID, &r.Subject, &r.Sender, &orderTime, &r.Source, &r.Attachments, &r.Duplicates); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if orderTime.Valid {
			if r.OrderTime, err = time.Parse(time.RFC3339, orderTime.String); err != nil {
				return nil, fmt.Errorf("catalog row %s: %w", r.MessageID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Sources, err = c.sources(ctx, out[i].Fingerprint); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Catalog) sources(ctx context.Context, fingerprint string) ([]string, error) {
	rows, err := c.QueryContext(ctx, `SELECT source FROM sources WHERE fingerprint = ? ORDER BY position`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of catalogued messages.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}
