// Package ledger implements the append-only fill audit trail (spec §10.3):
// a record of every fill increment FillRouter processes, kept independent of
// and never read back by the trading state machine. It exists purely so an
// operator can reconstruct what happened after the fact — StateJournal
// remains the sole source of truth for trading decisions.
//
// Grounded on stadam23-Eve-flipper's internal/db package (sql.Open("sqlite",
// ...) with WAL + busy_timeout pragmas, a versioned migrate() step) and
// poorman-SynapseStrike's store package (a thin *sql.DB wrapper with a
// dedicated initTables method per store).
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"xts-grid-engine/pkg/types"
)

// Store wraps a database/sql handle over modernc.org/sqlite holding the
// append-only fills table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the fills
// table exists. WAL mode and a busy timeout keep concurrent writers from a
// future operator-facing reader from blocking each other.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			order_id    TEXT NOT NULL,
			role        TEXT NOT NULL,
			side        TEXT NOT NULL,
			qty         TEXT NOT NULL,
			price       TEXT NOT NULL,
			ts          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id)`)
	return err
}

// Fill is one append-only row: a single fill increment applied to a
// position, independent of whatever partial/complete bookkeeping the
// trading state machine did with it.
type Fill struct {
	ID         int64
	PositionID string
	OrderID    string
	Role       string
	Side       types.Side
	Qty        string
	Price      string
}

// RecordFill appends one fill row. qty/price are the increment actually
// applied (not the order's cumulative totals), matching what FillRouter's
// Handler computed for that poll.
func (s *Store) RecordFill(ctx context.Context, positionID, orderID, role string, side types.Side, qty, price string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (position_id, order_id, role, side, qty, price)
		VALUES (?, ?, ?, ?, ?, ?)
	`, positionID, orderID, role, string(side), qty, price)
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// ForPosition returns every recorded fill for one position, oldest first —
// an operator-facing read path; the trading logic never calls this.
func (s *Store) ForPosition(ctx context.Context, positionID string) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, order_id, role, side, qty, price
		FROM fills WHERE position_id = ? ORDER BY id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var side string
		if err := rows.Scan(&f.ID, &f.PositionID, &f.OrderID, &f.Role, &side, &f.Qty, &f.Price); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded fills, for operator diagnostics.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fills: %w", err)
	}
	return n, nil
}
