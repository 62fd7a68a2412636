package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Alias1177/Trader/models"
)

// DB represents a database connection
type DB struct {
	*sql.DB
}

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// New creates a new database connection
func New(params ConnectionParams) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		params.Host, params.Port, params.User, params.Password, params.DBName, params.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Check connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Create tables if they don't exist
	if err := createTables(db); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			highest_favorable_price DOUBLE PRECISION NOT NULL,
			entry_order_id TEXT NOT NULL,
			sl_order_id TEXT,
			tp_order_id TEXT,
			sl_exchange_id TEXT,
			tp_exchange_id TEXT,
			state TEXT NOT NULL,
			params JSONB NOT NULL,
			opened_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Add the exchange ID columns if they don't exist (for existing databases)
	_, _ = db.Exec(`ALTER TABLE positions ADD COLUMN IF NOT EXISTS sl_exchange_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE positions ADD COLUMN IF NOT EXISTS tp_exchange_id TEXT`)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL,
			closed_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			risk TEXT NOT NULL,
			reasons JSONB NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)

	return err
}

// SavePosition upserts an open position so it survives a restart
func (db *DB) SavePosition(pos *models.Position) error {
	paramsJSON, err := json.Marshal(pos.Params)
	if err != nil {
		return fmt.Errorf("marshal risk params: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO positions (
			symbol, side, entry_price, quantity, stop_loss, take_profit,
			highest_favorable_price, entry_order_id, sl_order_id, tp_order_id,
			sl_exchange_id, tp_exchange_id, state, params, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (symbol)
		DO UPDATE SET
			side = EXCLUDED.side,
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			highest_favorable_price = EXCLUDED.highest_favorable_price,
			entry_order_id = EXCLUDED.entry_order_id,
			sl_order_id = EXCLUDED.sl_order_id,
			tp_order_id = EXCLUDED.tp_order_id,
			sl_exchange_id = EXCLUDED.sl_exchange_id,
			tp_exchange_id = EXCLUDED.tp_exchange_id,
			state = EXCLUDED.state,
			params = EXCLUDED.params,
			opened_at = EXCLUDED.opened_at
	`,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit,
		pos.HighestFavorablePrice, pos.EntryOrderID, pos.SLOrderID, pos.TPOrderID,
		pos.SLExchangeID, pos.TPExchangeID, pos.State, paramsJSON, pos.OpenedAt)

	return err
}

// DeletePosition removes a position after it closes
func (db *DB) DeletePosition(symbol string) error {
	_, err := db.Exec(`DELETE FROM positions WHERE symbol = $1`, symbol)
	return err
}

// LoadActivePositions returns all persisted positions for startup recovery
func (db *DB) LoadActivePositions() ([]models.Position, error) {
	rows, err := db.Query(`
		SELECT
			symbol, side, entry_price, quantity, stop_loss, take_profit,
			highest_favorable_price, entry_order_id, sl_order_id, tp_order_id,
			sl_exchange_id, tp_exchange_id, state, params, opened_at
		FROM positions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var pos models.Position
		var slOrderID, tpOrderID, slExchangeID, tpExchangeID sql.NullString
		var paramsJSON []byte

		err := rows.Scan(
			&pos.Symbol, &pos.Side, &pos.EntryPrice, &pos.Quantity, &pos.StopLoss, &pos.TakeProfit,
			&pos.HighestFavorablePrice, &pos.EntryOrderID, &slOrderID, &tpOrderID,
			&slExchangeID, &tpExchangeID, &pos.State, &paramsJSON, &pos.OpenedAt,
		)
		if err != nil {
			return nil, err
		}

		if slOrderID.Valid {
			pos.SLOrderID = slOrderID.String
		}
		if tpOrderID.Valid {
			pos.TPOrderID = tpOrderID.String
		}
		if slExchangeID.Valid {
			pos.SLExchangeID = slExchangeID.String
		}
		if tpExchangeID.Valid {
			pos.TPExchangeID = tpExchangeID.String
		}
		if err := json.Unmarshal(paramsJSON, &pos.Params); err != nil {
			return nil, fmt.Errorf("unmarshal risk params for %s: %w", pos.Symbol, err)
		}

		positions = append(positions, pos)
	}

	return positions, rows.Err()
}

// AppendTradeRecord persists a closed trade for the history summary
func (db *DB) AppendTradeRecord(trade *models.TradeRecord) error {
	_, err := db.Exec(`
		INSERT INTO trades (
			symbol, side, entry_price, exit_price, quantity, realized_pnl, reason, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.RealizedPnL, trade.Reason, trade.ClosedAt)

	return err
}

// RecentTrades returns the most recent closed trades, newest first
func (db *DB) RecentTrades(limit int) ([]models.TradeRecord, error) {
	rows, err := db.Query(`
		SELECT symbol, side, entry_price, exit_price, quantity, realized_pnl, reason, closed_at
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var trade models.TradeRecord
		err := rows.Scan(
			&trade.Symbol, &trade.Side, &trade.EntryPrice, &trade.ExitPrice,
			&trade.Quantity, &trade.RealizedPnL, &trade.Reason, &trade.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	return trades, rows.Err()
}

// TradeSummary holds aggregate statistics over the persisted trade history
type TradeSummary struct {
	Trades   int
	Wins     int
	Losses   int
	TotalPnL float64
}

// SummarizeTrades aggregates the trade history since the given time
func (db *DB) SummarizeTrades(since time.Time) (*TradeSummary, error) {
	var summary TradeSummary
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE realized_pnl > 0),
			COUNT(*) FILTER (WHERE realized_pnl < 0),
			COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE closed_at >= $1
	`, since).Scan(&summary.Trades, &summary.Wins, &summary.Losses, &summary.TotalPnL)

	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// AppendSignal persists a generated signal
func (db *DB) AppendSignal(sig *models.Signal) error {
	reasonsJSON, err := json.Marshal(sig.Reasons)
	if err != nil {
		return fmt.Errorf("marshal signal reasons: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO signals (symbol, direction, confidence, risk, reasons, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		sig.Symbol, sig.Direction, sig.Confidence, sig.Risk, reasonsJSON, sig.Price, sig.Timestamp)

	return err
}

// LatestSignal returns the most recent signal for a symbol, or nil when none
// has been recorded yet
func (db *DB) LatestSignal(symbol string) (*models.Signal, error) {
	var sig models.Signal
	var reasonsJSON []byte

	err := db.QueryRow(`
		SELECT symbol, direction, confidence, risk, reasons, price, created_at
		FROM signals
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, symbol).Scan(
		&sig.Symbol, &sig.Direction, &sig.Confidence, &sig.Risk,
		&reasonsJSON, &sig.Price, &sig.Timestamp,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(reasonsJSON, &sig.Reasons); err != nil {
		return nil, fmt.Errorf("unmarshal signal reasons: %w", err)
	}

	return &sig, nil
}
