// Package keyring stores Identity Resolving Keys so targets that use
// resolvable private addresses can be located by label.
package keyring

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bt-locate.klederson.com/internal/rpa"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("keyring entry not found")
	ErrDuplicate = errors.New("keyring entry already exists")
	ErrNoLabel   = errors.New("keyring entry needs a label")
)

// Entry sources.
const (
	SourceManual = "manual"
	SourceBlueZ  = "bluez"
)

// Entry is one saved IRK.
type Entry struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Address   string    `json:"address,omitempty"`
	IRKHex    string    `json:"irk_hex"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS irks (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL UNIQUE,
	address    TEXT NOT NULL DEFAULT '',
	irk_hex    TEXT NOT NULL UNIQUE,
	source     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store is a sqlite backed keyring.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the keyring database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keyring dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create keyring schema: %w", err)
	}
	// IRKs are secrets.
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod keyring: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add validates and saves e. The IRK is stored as lowercase hex.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	e.Label = strings.TrimSpace(e.Label)
	if e.Label == "" {
		return Entry{}, ErrNoLabel
	}
	irk, err := rpa.ParseIRK(e.IRKHex)
	if err != nil {
		return Entry{}, err
	}
	e.IRKHex = hex.EncodeToString(irk)
	if e.Address != "" {
		e.Address = rpa.Normalize(e.Address)
	}
	if e.Source == "" {
		e.Source = SourceManual
	}
	e.ID = uuid.New().String()
	e.CreatedAt = s.now().UTC().Truncate(time.Second)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO irks(id, label, address, irk_hex, source, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, e.ID, e.Label, e.Address, e.IRKHex, e.Source, e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicate, e.Label)
		}
		return Entry{}, fmt.Errorf("insert irk: %w", err)
	}
	return e, nil
}

// List returns all entries ordered by label.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, label, address, irk_hex, source, created_at FROM irks ORDER BY label
`)
	if err != nil {
		return nil, fmt.Errorf("list irks: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get finds an entry by label or id.
func (s *Store) Get(ctx context.Context, ref string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, label, address, irk_hex, source, created_at FROM irks WHERE label = ? OR id = ?
`, ref, ref)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return e, err
}

// Delete removes an entry by label or id.
func (s *Store) Delete(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM irks WHERE label = ? OR id = ?`, ref, ref)
	if err != nil {
		return fmt.Errorf("delete irk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete irk: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return nil
}

// ImportBlueZ saves every paired device IRK found under root that is not
// already in the keyring. It returns the number of new entries.
func (s *Store) ImportBlueZ(ctx context.Context, root string) (int, error) {
	found, err := PairedIRKs(root)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, e := range found {
		_, err := s.Add(ctx, e)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicate):
		default:
			return added, fmt.Errorf("import %s: %w", e.Label, err)
		}
	}
	return added, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var created string
	if err := r.Scan(&e.ID, &e.Label, &e.Address, &e.IRKHex, &e.Source, &created); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	e.CreatedAt = t
	return e, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
