package persistence

import "elysium-grid-bot-go/internal/models"

// GridRepository defines the interface for grid snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the engine, which only ever sees plain GridRuntimeState values.
type GridRepository interface {
	// SaveGrid atomically replaces the stored snapshot of one grid.
	SaveGrid(state *models.GridRuntimeState) error

	// DeleteGrid removes a grid's snapshot. Deleting a missing grid is not an error.
	DeleteGrid(id string) error

	// LoadGrids returns every stored grid snapshot. An empty store returns an empty slice.
	LoadGrids() ([]models.GridRuntimeState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
