// Package store provides SQLite persistence for the trading agent.
//
// It holds every durable artifact of a session: discovered markets, the
// order/fill blotter, the market-data tape, position and P&L snapshots,
// scanner snapshots, the ranked watchlist, and runtime component status.
// The tape is the contract between live trading and backtesting — records
// are appended in feed-receive order and iterated back in (ts, insertion)
// order.
//
// All callers share one *sql.DB connection pool; SQLite's locking
// serializes writers, and WAL mode plus a busy timeout keeps concurrent
// loop writers waiting instead of failing.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"polymarket-agent/pkg/types"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS markets (
			market_id      TEXT PRIMARY KEY,
			question       TEXT,
			event_id       TEXT,
			active         INTEGER,
			end_ts         REAL,
			volume_24h_usd REAL,
			liquidity_usd  REAL,
			updated_ts     REAL
		);

		CREATE TABLE IF NOT EXISTS orders (
			order_id    TEXT PRIMARY KEY,
			market_id   TEXT,
			side        TEXT,
			price       REAL,
			size        REAL,
			created_ts  REAL,
			status      TEXT,
			filled_size REAL,
			meta_json   TEXT
		);

		CREATE TABLE IF NOT EXISTS fills (
			fill_id   TEXT PRIMARY KEY,
			order_id  TEXT,
			market_id TEXT,
			side      TEXT,
			price     REAL,
			size      REAL,
			ts        REAL,
			meta_json TEXT
		);

		CREATE TABLE IF NOT EXISTS tape (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ts           REAL,
			market_id    TEXT,
			kind         TEXT,
			payload_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tape_ts ON tape(ts);
		CREATE INDEX IF NOT EXISTS idx_tape_market ON tape(market_id, ts);

		CREATE TABLE IF NOT EXISTS position_snapshots (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ts             REAL,
			market_id      TEXT,
			event_id       TEXT,
			position       REAL,
			avg_price      REAL,
			mark_price     REAL,
			unrealized_pnl REAL,
			realized_pnl   REAL,
			opened_ts      REAL
		);
		CREATE INDEX IF NOT EXISTS idx_pos_snap_market ON position_snapshots(market_id, ts);

		CREATE TABLE IF NOT EXISTS pnl_snapshots (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			ts               REAL,
			total_unrealized REAL,
			total_realized   REAL,
			total_pnl        REAL
		);

		CREATE TABLE IF NOT EXISTS scanner_snapshots (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ts             REAL,
			eligible_count INTEGER,
			top_count      INTEGER
		);

		CREATE TABLE IF NOT EXISTS watchlist (
			rank       INTEGER PRIMARY KEY,
			market_id  TEXT NOT NULL,
			updated_ts REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runtime_status (
			component  TEXT PRIMARY KEY,
			level      TEXT NOT NULL,
			message    TEXT,
			detail     TEXT,
			updated_ts REAL NOT NULL
		);
	`)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Markets & watchlist
// ————————————————————————————————————————————————————————————————————————

// UpsertMarkets writes discovery results; existing rows are refreshed.
func (s *Store) UpsertMarkets(markets []types.MarketInfo, ts float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert markets: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO markets(market_id, question, event_id, active, end_ts, volume_24h_usd, liquidity_usd, updated_ts)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(market_id) DO UPDATE SET
			question=excluded.question,
			event_id=excluded.event_id,
			active=excluded.active,
			end_ts=excluded.end_ts,
			volume_24h_usd=excluded.volume_24h_usd,
			liquidity_usd=excluded.liquidity_usd,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("upsert markets: %w", err)
	}
	defer stmt.Close()

	for _, m := range markets {
		active := 0
		if m.Active {
			active = 1
		}
		if _, err := stmt.Exec(m.MarketID, m.Question, m.EventID, active, m.EndTS, m.Volume24hUSD, m.LiquidityUSD, ts); err != nil {
			return fmt.Errorf("upsert market %s: %w", m.MarketID, err)
		}
	}
	return tx.Commit()
}

// ReplaceWatchlist atomically rewrites the ranked market list.
func (s *Store) ReplaceWatchlist(marketIDs []string, ts float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace watchlist: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM watchlist`); err != nil {
		return fmt.Errorf("replace watchlist: %w", err)
	}
	for rank, id := range marketIDs {
		if _, err := tx.Exec(`INSERT INTO watchlist(rank, market_id, updated_ts) VALUES(?,?,?)`, rank, id, ts); err != nil {
			return fmt.Errorf("replace watchlist: %w", err)
		}
	}
	return tx.Commit()
}

// Watchlist returns market ids in rank order.
func (s *Store) Watchlist() ([]string, error) {
	rows, err := s.db.Query(`SELECT market_id FROM watchlist ORDER BY rank ASC`)
	if err != nil {
		return nil, fmt.Errorf("watchlist: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertScannerSnapshot records one scan cycle's counts.
func (s *Store) InsertScannerSnapshot(ts float64, eligible, top int) error {
	_, err := s.db.Exec(`INSERT INTO scanner_snapshots(ts, eligible_count, top_count) VALUES(?,?,?)`, ts, eligible, top)
	if err != nil {
		return fmt.Errorf("scanner snapshot: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// InsertOrder writes a new blotter entry.
func (s *Store) InsertOrder(o types.Order, meta map[string]any) error {
	mj, err := json.Marshal(metaOrEmpty(meta))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO orders(order_id, market_id, side, price, size, created_ts, status, filled_size, meta_json)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		o.OrderID, o.MarketID, string(o.Side), o.Price, o.Size, o.CreatedTS, string(o.Status), o.FilledSize, string(mj))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus transitions an order; pass filledSize < 0 to leave it unchanged.
func (s *Store) UpdateOrderStatus(orderID string, status types.OrderStatus, filledSize float64) error {
	var err error
	if filledSize < 0 {
		_, err = s.db.Exec(`UPDATE orders SET status=? WHERE order_id=?`, string(status), orderID)
	} else {
		_, err = s.db.Exec(`UPDATE orders SET status=?, filled_size=? WHERE order_id=?`, string(status), filledSize, orderID)
	}
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	return nil
}

// InsertFill writes one execution record.
func (s *Store) InsertFill(f types.Fill) error {
	mj, err := json.Marshal(metaOrEmpty(f.Meta))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO fills(fill_id, order_id, market_id, side, price, size, ts, meta_json)
		VALUES(?,?,?,?,?,?,?,?)`,
		f.FillID, f.OrderID, f.MarketID, string(f.Side), f.Price, f.Size, f.TS, string(mj))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Tape
// ————————————————————————————————————————————————————————————————————————

// TapeRecord is one replayable market-data event.
type TapeRecord struct {
	TS       float64
	MarketID string
	Kind     string // types.TapeKindTOB | types.TapeKindTrade
	Payload  []byte
}

// AppendTape appends one record in insertion order.
func (s *Store) AppendTape(ts float64, marketID, kind string, payload []byte) error {
	_, err := s.db.Exec(`INSERT INTO tape(ts, market_id, kind, payload_json) VALUES(?,?,?,?)`,
		ts, marketID, kind, string(payload))
	if err != nil {
		return fmt.Errorf("append tape: %w", err)
	}
	return nil
}

// IterTape streams tape records in (ts, insertion) order, optionally bounded
// by [startTS, endTS] (0 = unbounded). The callback returning an error stops
// iteration and propagates it.
func (s *Store) IterTape(startTS, endTS float64, fn func(TapeRecord) error) error {
	q := `SELECT ts, market_id, kind, payload_json FROM tape WHERE 1=1`
	var args []any
	if startTS > 0 {
		q += ` AND ts >= ?`
		args = append(args, startTS)
	}
	if endTS > 0 {
		q += ` AND ts <= ?`
		args = append(args, endTS)
	}
	q += ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return fmt.Errorf("iter tape: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec TapeRecord
		var payload string
		if err := rows.Scan(&rec.TS, &rec.MarketID, &rec.Kind, &payload); err != nil {
			return fmt.Errorf("iter tape: %w", err)
		}
		rec.Payload = []byte(payload)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LatestTapeTS returns the newest tape timestamp, or 0 for an empty tape.
func (s *Store) LatestTapeTS() (float64, error) {
	var ts sql.NullFloat64
	if err := s.db.QueryRow(`SELECT MAX(ts) FROM tape`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("latest tape ts: %w", err)
	}
	return ts.Float64, nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is the persisted per-market position state.
type PositionSnapshot struct {
	TS            float64
	MarketID      string
	EventID       string
	Position      float64
	AvgPrice      float64
	MarkPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	OpenedTS      float64
}

// InsertPositionSnapshot appends one per-market snapshot.
func (s *Store) InsertPositionSnapshot(p PositionSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO position_snapshots(ts, market_id, event_id, position, avg_price, mark_price, unrealized_pnl, realized_pnl, opened_ts)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		p.TS, p.MarketID, p.EventID, p.Position, p.AvgPrice, p.MarkPrice, p.UnrealizedPnL, p.RealizedPnL, p.OpenedTS)
	if err != nil {
		return fmt.Errorf("position snapshot: %w", err)
	}
	return nil
}

// PnLSnapshot is the aggregate P&L at one instant.
type PnLSnapshot struct {
	TS              float64
	TotalUnrealized float64
	TotalRealized   float64
	TotalPnL        float64
}

// InsertPnLSnapshot appends one aggregate snapshot.
func (s *Store) InsertPnLSnapshot(p PnLSnapshot) error {
	_, err := s.db.Exec(`INSERT INTO pnl_snapshots(ts, total_unrealized, total_realized, total_pnl) VALUES(?,?,?,?)`,
		p.TS, p.TotalUnrealized, p.TotalRealized, p.TotalPnL)
	if err != nil {
		return fmt.Errorf("pnl snapshot: %w", err)
	}
	return nil
}

// LatestPositions returns the most recent snapshot per market, used to
// rehydrate the paper portfolio across restarts.
func (s *Store) LatestPositions(limit int) ([]PositionSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT market_id, event_id, position, avg_price, mark_price, unrealized_pnl, realized_pnl, opened_ts, MAX(ts) as ts
		FROM position_snapshots
		GROUP BY market_id
		ORDER BY ts DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	defer rows.Close()

	var out []PositionSnapshot
	for rows.Next() {
		var p PositionSnapshot
		if err := rows.Scan(&p.MarketID, &p.EventID, &p.Position, &p.AvgPrice, &p.MarkPrice, &p.UnrealizedPnL, &p.RealizedPnL, &p.OpenedTS, &p.TS); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPnL returns the newest aggregate snapshot, or nil if none exists.
func (s *Store) LatestPnL() (*PnLSnapshot, error) {
	row := s.db.QueryRow(`SELECT ts, total_unrealized, total_realized, total_pnl FROM pnl_snapshots ORDER BY ts DESC LIMIT 1`)
	var p PnLSnapshot
	if err := row.Scan(&p.TS, &p.TotalUnrealized, &p.TotalRealized, &p.TotalPnL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest pnl: %w", err)
	}
	return &p, nil
}

// ClearTradingState wipes orders, fills, and snapshots for a fresh paper
// session. The tape and discovered markets survive so recorded history can
// still be replayed.
func (s *Store) ClearTradingState() error {
	_, err := s.db.Exec(`
		DELETE FROM orders;
		DELETE FROM fills;
		DELETE FROM position_snapshots;
		DELETE FROM pnl_snapshots;
	`)
	if err != nil {
		return fmt.Errorf("clear trading state: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Runtime status
// ————————————————————————————————————————————————————————————————————————

// RuntimeStatus is a last-write-wins health row for one component
// (feed, scanner, telemetry).
type RuntimeStatus struct {
	Component string
	Level     string // ok|error
	Message   string
	Detail    string
	UpdatedTS float64
}

// UpsertRuntimeStatus records component health.
func (s *Store) UpsertRuntimeStatus(st RuntimeStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO runtime_status(component, level, message, detail, updated_ts)
		VALUES(?,?,?,?,?)
		ON CONFLICT(component) DO UPDATE SET
			level=excluded.level,
			message=excluded.message,
			detail=excluded.detail,
			updated_ts=excluded.updated_ts`,
		st.Component, st.Level, st.Message, st.Detail, st.UpdatedTS)
	if err != nil {
		return fmt.Errorf("runtime status: %w", err)
	}
	return nil
}

// RuntimeStatuses lists all component health rows.
func (s *Store) RuntimeStatuses() ([]RuntimeStatus, error) {
	rows, err := s.db.Query(`SELECT component, level, message, detail, updated_ts FROM runtime_status ORDER BY component`)
	if err != nil {
		return nil, fmt.Errorf("runtime statuses: %w", err)
	}
	defer rows.Close()

	var out []RuntimeStatus
	for rows.Next() {
		var st RuntimeStatus
		if err := rows.Scan(&st.Component, &st.Level, &st.Message, &st.Detail, &st.UpdatedTS); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func metaOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
