package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tposs (
			id TEXT PRIMARY KEY,
			wallet TEXT NOT NULL,
			name TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS settlements (
			payment_hash TEXT PRIMARY KEY,
			tpos_id TEXT NOT NULL,
			amount_sats INTEGER NOT NULL,
			settled_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) CreateTerminal(ctx context.Context, wallet, name, currency string) (*Terminal, error) {
	t := &Terminal{
		ID:        uuid.NewString(),
		Wallet:    wallet,
		Name:      name,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tposs (id, wallet, name, currency, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Wallet, t.Name, t.Currency, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) GetTerminal(ctx context.Context, id string) (*Terminal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet, name, currency, created_at
		FROM tposs WHERE id = ?
	`, id)

	var t Terminal
	err := row.Scan(&t.ID, &t.Wallet, &t.Name, &t.Currency, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTerminals(ctx context.Context, walletIDs []string) ([]*Terminal, error) {
	if len(walletIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(walletIDs)), ",")
	args := make([]any, len(walletIDs))
	for i, id := range walletIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, wallet, name, currency, created_at
		FROM tposs WHERE wallet IN (%s)
		ORDER BY created_at
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terminals []*Terminal
	for rows.Next() {
		var t Terminal
		if err := rows.Scan(&t.ID, &t.Wallet, &t.Name, &t.Currency, &t.CreatedAt); err != nil {
			return nil, err
		}
		terminals = append(terminals, &t)
	}
	return terminals, rows.Err()
}

func (s *SQLiteStore) DeleteTerminal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tposs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordSettlement(ctx context.Context, st *Settlement) error {
	// INSERT OR IGNORE: re-observing a settled payment must not fail.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlements (payment_hash, tpos_id, amount_sats, settled_at)
		VALUES (?, ?, ?, ?)
	`, st.PaymentHash, st.TerminalID, st.AmountSats, st.SettledAt)
	return err
}

func (s *SQLiteStore) ListSettlementsSince(ctx context.Context, since time.Time) ([]*Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_hash, tpos_id, amount_sats, settled_at
		FROM settlements WHERE settled_at > ?
		ORDER BY settled_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []*Settlement
	for rows.Next() {
		var st Settlement
		if err := rows.Scan(&st.PaymentHash, &st.TerminalID, &st.AmountSats, &st.SettledAt); err != nil {
			return nil, err
		}
		settlements = append(settlements, &st)
	}
	return settlements, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
