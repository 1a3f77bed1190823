package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
)

const fillLogSchema = `
CREATE TABLE IF NOT EXISTS fills (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id       TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	strategy_id     TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	side            INTEGER NOT NULL,
	sequence        INTEGER NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT NOT NULL,
	fill_time       INTEGER NOT NULL,
	UNIQUE (broker_order_id, sequence)
);`

// SQLiteFillLog persists applied fills in append order. Replaying the table
// by insertion id reconstructs ledger state deterministically.
type SQLiteFillLog struct {
	db *sql.DB
}

var _ core.IFillLog = (*SQLiteFillLog)(nil)

func NewSQLiteFillLog(dbPath string) (*SQLiteFillLog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fill log: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping fill log: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(fillLogSchema); err != nil {
		return nil, fmt.Errorf("failed to create fill log schema: %w", err)
	}

	return &SQLiteFillLog{db: db}, nil
}

func (s *SQLiteFillLog) Append(ctx context.Context, fill core.Fill) error {
	query := `INSERT OR IGNORE INTO fills
		(intent_id, broker_order_id, strategy_id, instrument, side, sequence, quantity, price, fill_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		fill.IntentID,
		fill.BrokerOrderID,
		fill.StrategyID,
		fill.Instrument,
		int(fill.Side),
		fill.Sequence,
		fill.Quantity.String(),
		fill.Price.String(),
		fill.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append fill: %w", err)
	}
	return nil
}

func (s *SQLiteFillLog) Replay(ctx context.Context, apply func(core.Fill) error) error {
	query := `SELECT intent_id, broker_order_id, strategy_id, instrument, side, sequence, quantity, price, fill_time
		FROM fills ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to read fill log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f             core.Fill
			side          int
			quantity      string
			price         string
			fillTimeNanos int64
		)
		if err := rows.Scan(&f.IntentID, &f.BrokerOrderID, &f.StrategyID, &f.Instrument,
			&side, &f.Sequence, &quantity, &price, &fillTimeNanos); err != nil {
			return fmt.Errorf("failed to scan fill row: %w", err)
		}
		f.Side = core.Side(side)
		if f.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return fmt.Errorf("corrupt fill quantity %q: %w", quantity, err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("corrupt fill price %q: %w", price, err)
		}
		f.Time = time.Unix(0, fillTimeNanos)

		if err := apply(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteFillLog) Close() error {
	return s.db.Close()
}
