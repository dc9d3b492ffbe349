package storage

import (
	"database/sql"
	"fmt"
	"time"

	"grid-trading-engine/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Ledger is the sqlite order journal. Every order state change is upserted so
// that open orders can be restored and reconciled after a restart.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger at dataSourceName and creates the tables.
func Open(dataSourceName string) (*Ledger, error) {
	db, err := InitDB(dataSourceName)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; callers come from several goroutines.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id INTEGER,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reduce_only BOOLEAN NOT NULL DEFAULT 0,
		level_index INTEGER NOT NULL DEFAULT -1,
		generation INTEGER NOT NULL DEFAULT 0,
		purpose TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (symbol, status);`); err != nil {
		return err
	}

	// Closed trades, one row per position reduction.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		profit REAL NOT NULL,
		fee REAL NOT NULL,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}
	return nil
}

// SaveOrder inserts the order or replaces the stored row with its new state.
func (l *Ledger) SaveOrder(o models.Order) error {
	query := `
	INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, type, price, quantity, filled_qty, avg_fill_price,
		status, reduce_only, level_index, generation, purpose, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		filled_qty = excluded.filled_qty,
		avg_fill_price = excluded.avg_fill_price,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`

	_, err := l.db.Exec(query,
		o.ID, o.ExchangeID, o.Symbol, string(o.Side), string(o.Type), o.Price, o.Quantity, o.FilledQty, o.AvgFillPrice,
		string(o.State), o.ReduceOnly, o.LevelIndex, o.Generation, string(o.Purpose), o.LastError,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

// OpenOrders returns every order not in a terminal state, oldest first.
func (l *Ledger) OpenOrders() ([]models.Order, error) {
	return l.query(`WHERE status NOT IN (?, ?, ?) ORDER BY created_at, client_order_id`,
		string(models.OrderFilled), string(models.OrderCancelled), string(models.OrderRejected))
}

// Order returns one order by client id.
func (l *Ledger) Order(clientID string) (models.Order, bool, error) {
	orders, err := l.query(`WHERE client_order_id = ?`, clientID)
	if err != nil || len(orders) == 0 {
		return models.Order{}, false, err
	}
	return orders[0], true, nil
}

// PruneTerminal deletes terminal orders last updated before the cutoff.
func (l *Ledger) PruneTerminal(before time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM orders WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(models.OrderFilled), string(models.OrderCancelled), string(models.OrderRejected), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	return res.RowsAffected()
}

func (l *Ledger) query(where string, args ...interface{}) ([]models.Order, error) {
	rows, err := l.db.Query(`
	SELECT client_order_id, exchange_order_id, symbol, side, type, price, quantity, filled_qty, avg_fill_price,
		status, reduce_only, level_index, generation, purpose, last_error, created_at, updated_at
	FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var side, typ, st, purp string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&o.ID, &o.ExchangeID, &o.Symbol, &side, &typ, &o.Price, &o.Quantity, &o.FilledQty, &o.AvgFillPrice,
			&st, &o.ReduceOnly, &o.LevelIndex, &o.Generation, &purp, &o.LastError, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		o.Side = models.Side(side)
		o.Type = models.OrderType(typ)
		o.State = models.OrderState(st)
		o.Purpose = models.OrderPurpose(purp)
		o.CreatedAt = time.UnixMilli(createdAt).UTC()
		o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// RecordTrade appends a closed trade.
func (l *Ledger) RecordTrade(t models.CompletedTrade) error {
	_, err := l.db.Exec(`
	INSERT INTO trades (symbol, side, quantity, entry_price, exit_price, profit, fee, entry_time, exit_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice, t.Profit, t.Fee,
		t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// Trades returns the closed trades of symbol since the given time, oldest first.
func (l *Ledger) Trades(symbol string, since time.Time) ([]models.CompletedTrade, error) {
	rows, err := l.db.Query(`
	SELECT symbol, side, quantity, entry_price, exit_price, profit, fee, entry_time, exit_time
	FROM trades WHERE symbol = ? AND exit_time >= ? ORDER BY id`, symbol, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.CompletedTrade
	for rows.Next() {
		var t models.CompletedTrade
		var side string
		var entryMs, exitMs int64
		if err := rows.Scan(&t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.Profit, &t.Fee, &entryMs, &exitMs); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		t.EntryTime = time.UnixMilli(entryMs).UTC()
		t.ExitTime = time.UnixMilli(exitMs).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
