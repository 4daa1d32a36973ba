package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"elysium-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// gridKeyPrefix namespaces grid snapshots inside the database.
var gridKeyPrefix = []byte("grid/")

// badgerRepository is the BadgerDB implementation of the GridRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
// An empty dbPath opens an in-memory database, which is what the tests use.
func NewBadgerRepository(dbPath string) (GridRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func gridKey(id string) []byte {
	return append(append([]byte{}, gridKeyPrefix...), id...)
}

// SaveGrid marshals the grid state into JSON and stores it under grid/<id>.
func (r *badgerRepository) SaveGrid(state *models.GridRuntimeState) error {
	if state == nil || state.Definition.ID == "" {
		return errors.New("cannot save grid without an id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(gridKey(state.Definition.ID), data)
	})
}

func (r *badgerRepository) DeleteGrid(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(gridKey(id))
	})
}

// LoadGrids iterates over the grid/ prefix and decodes every snapshot.
func (r *badgerRepository) LoadGrids() ([]models.GridRuntimeState, error) {
	grids := make([]models.GridRuntimeState, 0)

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(gridKeyPrefix); it.ValidForPrefix(gridKeyPrefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				if len(val) == 0 {
					return fmt.Errorf("empty value for key %s", item.Key())
				}
				var state models.GridRuntimeState
				if err := json.Unmarshal(val, &state); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				grids = append(grids, state)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grids, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
