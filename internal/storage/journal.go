package storage

import (
	"database/sql"
	"time"
)

// Journal 把订单流水函数绑定到一个数据库连接上, 方便作为依赖注入
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the SQLite journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) RecordOrder(rec OrderRecord) error {
	return RecordOrder(j.db, rec)
}

func (j *Journal) UpdateOrderStatus(gridID, exchangeOrderID, status string, filledAt *time.Time) error {
	return UpdateOrderStatus(j.db, gridID, exchangeOrderID, status, filledAt)
}

func (j *Journal) ListOrders(gridID string) ([]OrderRecord, error) {
	return ListOrders(j.db, gridID)
}

func (j *Journal) RecordEvent(gridID, eventType, detail string, at time.Time) error {
	return RecordEvent(j.db, gridID, eventType, detail, at)
}

func (j *Journal) ListEvents(gridID string, limit int) ([]EventRecord, error) {
	return ListEvents(j.db, gridID, limit)
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
