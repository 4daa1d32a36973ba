package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// OrderRecord is one row of the order journal: every order the engine has placed,
// with its latest known status.
type OrderRecord struct {
	GridID          string     `json:"grid_id"`
	ExchangeOrderID string     `json:"exchange_order_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Price           float64    `json:"price"`
	Size            float64    `json:"size"`
	LevelIndex      int        `json:"level_index"`
	Status          string     `json:"status"`
	PlacedAt        time.Time  `json:"placed_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EventRecord is one row of the grid event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	GridID    string    `json:"grid_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 只允许一个写连接
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Orders table keeps an audit trail of every order placed for every grid.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS grid_orders (
		grid_id TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		size REAL NOT NULL,
		level_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		placed_at INTEGER NOT NULL,
		filled_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (grid_id, exchange_order_id)
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createEventsTableSQL := `
	CREATE TABLE IF NOT EXISTS grid_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		grid_id TEXT NOT NULL,
		type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEventsTableSQL); err != nil {
		return err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_grid_events_grid ON grid_events (grid_id, id);`); err != nil {
		return err
	}
	return nil
}

// RecordOrder inserts an order into the journal, or refreshes it if it is already there.
func RecordOrder(db *sql.DB, rec OrderRecord) error {
	query := `
	INSERT INTO grid_orders (grid_id, exchange_order_id, symbol, side, price, size, level_index, status, placed_at, filled_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(grid_id, exchange_order_id) DO UPDATE SET
		status = excluded.status,
		filled_at = excluded.filled_at,
		updated_at = excluded.updated_at;`

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := db.Exec(query,
		rec.GridID, rec.ExchangeOrderID, rec.Symbol, rec.Side, rec.Price, rec.Size, rec.LevelIndex,
		rec.Status, rec.PlacedAt.UnixMilli(), nullableMillis(rec.FilledAt), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record order %s/%s: %w", rec.GridID, rec.ExchangeOrderID, err)
	}
	return nil
}

// UpdateOrderStatus moves a journaled order to a new status.
func UpdateOrderStatus(db *sql.DB, gridID, exchangeOrderID, status string, filledAt *time.Time) error {
	query := `
	UPDATE grid_orders
	SET status = ?, filled_at = COALESCE(?, filled_at), updated_at = ?
	WHERE grid_id = ? AND exchange_order_id = ?`

	res, err := db.Exec(query, status, nullableMillis(filledAt), time.Now().UnixMilli(), gridID, exchangeOrderID)
	if err != nil {
		return fmt.Errorf("failed to update order %s/%s: %w", gridID, exchangeOrderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s/%s: %w", gridID, exchangeOrderID, sql.ErrNoRows)
	}
	return nil
}

// ListOrders returns every journaled order of a grid in placement order.
func ListOrders(db *sql.DB, gridID string) ([]OrderRecord, error) {
	query := `
	SELECT grid_id, exchange_order_id, symbol, side, price, size, level_index, status, placed_at, filled_at, updated_at
	FROM grid_orders
	WHERE grid_id = ?
	ORDER BY placed_at, rowid`

	rows, err := db.Query(query, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]OrderRecord, 0)
	for rows.Next() {
		var (
			rec                 OrderRecord
			placedAt, updatedAt int64
			filledAt            sql.NullInt64
		)
		if err := rows.Scan(
			&rec.GridID, &rec.ExchangeOrderID, &rec.Symbol, &rec.Side, &rec.Price, &rec.Size,
			&rec.LevelIndex, &rec.Status, &placedAt, &filledAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		rec.PlacedAt = time.UnixMilli(placedAt)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		if filledAt.Valid {
			t := time.UnixMilli(filledAt.Int64)
			rec.FilledAt = &t
		}
		orders = append(orders, rec)
	}
	return orders, rows.Err()
}

// RecordEvent appends an entry to the grid event log.
func RecordEvent(db *sql.DB, gridID, eventType, detail string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO grid_events (grid_id, type, detail, created_at) VALUES (?, ?, ?, ?)`,
		gridID, eventType, detail, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record event %s for %s: %w", eventType, gridID, err)
	}
	return nil
}

// ListEvents returns the most recent events of a grid, newest first. limit <= 0 returns all.
func ListEvents(db *sql.DB, gridID string, limit int) ([]EventRecord, error) {
	query := `SELECT id, grid_id, type, detail, created_at FROM grid_events WHERE grid_id = ? ORDER BY id DESC`
	args := []interface{}{gridID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]EventRecord, 0)
	for rows.Next() {
		var (
			ev      EventRecord
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.GridID, &ev.Type, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
