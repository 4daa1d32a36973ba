package persistence

import (
	"testing"
	"time"

	"elysium-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) GridRepository {
	repo, err := NewBadgerRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleState(id string) *models.GridRuntimeState {
	tp := 120.0
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &models.GridRuntimeState{
		Definition: models.GridDefinition{
			ID:         id,
			Symbol:     "BTC/USDC",
			LowerPrice: 90,
			UpperPrice: 110,
			NumLevels:  5,
			Levels:     []models.GridLevel{{Index: 0, Price: 90, Size: 1.1}},
		},
		Orders: []models.GridOrder{
			{Side: models.Buy, Price: 90, Size: 1.1, ExchangeOrderID: "1", Status: models.OrderOpen},
		},
		Active:     true,
		Status:     models.StatusActive,
		TakeProfit: &tp,
		CreatedAt:  started,
		StartedAt:  &started,
	}
}

func TestBadgerRepository_EmptyStore(t *testing.T) {
	repo := newTestRepo(t)
	grids, err := repo.LoadGrids()
	require.NoError(t, err)
	assert.NotNil(t, grids)
	assert.Empty(t, grids)
}

func TestBadgerRepository_SaveLoadDelete(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveGrid(sampleState("grid_a")))
	require.NoError(t, repo.SaveGrid(sampleState("grid_b")))

	// 覆盖写入同一个网格
	updated := sampleState("grid_a")
	updated.Active = false
	updated.Status = models.StatusStopped
	require.NoError(t, repo.SaveGrid(updated))

	grids, err := repo.LoadGrids()
	require.NoError(t, err)
	require.Len(t, grids, 2)

	byID := map[string]models.GridRuntimeState{}
	for _, g := range grids {
		byID[g.Definition.ID] = g
	}
	assert.Equal(t, models.StatusStopped, byID["grid_a"].Status)
	assert.Equal(t, models.StatusActive, byID["grid_b"].Status)
	require.NotNil(t, byID["grid_b"].TakeProfit)
	assert.Equal(t, 120.0, *byID["grid_b"].TakeProfit)
	assert.Equal(t, "BTC/USDC", byID["grid_b"].Definition.Symbol)
	require.Len(t, byID["grid_b"].Orders, 1)
	assert.Equal(t, "1", byID["grid_b"].Orders[0].ExchangeOrderID)

	require.NoError(t, repo.DeleteGrid("grid_a"))
	require.NoError(t, repo.DeleteGrid("grid_missing"))

	grids, err = repo.LoadGrids()
	require.NoError(t, err)
	require.Len(t, grids, 1)
	assert.Equal(t, "grid_b", grids[0].Definition.ID)
}

func TestBadgerRepository_RejectsMissingID(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.SaveGrid(&models.GridRuntimeState{}))
	assert.Error(t, repo.SaveGrid(nil))
}
