package bot

import (
	"context"
	"testing"
	"time"

	"elysium-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func startExampleGrid(t *testing.T, e *Engine, p models.CreateGridParams) string {
	t.Helper()
	id, err := e.CreateGrid(p)
	require.NoError(t, err)
	_, err = e.StartGrid(context.Background(), id)
	require.NoError(t, err)
	return id
}

func orderAt(t *testing.T, e *Engine, id string, side models.Side, price float64) models.GridOrder {
	t.Helper()
	state, err := e.GetGridState(id)
	require.NoError(t, err)
	for _, o := range state.Orders {
		if o.Side == side && o.Price == price {
			return o
		}
	}
	t.Fatalf("no %s order at %v", side, price)
	return models.GridOrder{}
}

func TestMonitor_FillPlacesOppositeOrder(t *testing.T) {
	gw := newMockGateway(100)
	e, sink := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	buy := orderAt(t, e, id, models.Buy, 95)
	gw.fill(buy.ExchangeOrderID)

	require.Eventually(t, func() bool {
		snap, err := e.GetGridStatus(id)
		return err == nil && snap.FilledOrders == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		state, err := e.GetGridState(id)
		return err == nil && len(state.Orders) == 5
	}, waitFor, tick)

	sell := orderAt(t, e, id, models.Sell, 95)
	assert.Equal(t, models.OrderOpen, sell.Status)
	assert.Equal(t, buy.Size, sell.Size)
	assert.Equal(t, buy.LevelIndex, sell.LevelIndex)

	list := e.ListGrids()
	require.Len(t, list.Active, 1)
	assert.Equal(t, 1, list.Active[0].FilledOrders)
	assert.Equal(t, 4, list.Active[0].OpenOrders, "one consumed, one added")
	assert.InDelta(t, -100.0, list.Active[0].EstimatedPnL, 1e-9)

	filled := orderAt(t, e, id, models.Buy, 95)
	assert.Equal(t, models.OrderFilled, filled.Status)
	assert.NotNil(t, filled.FilledAt)
	assert.Eventually(t, func() bool {
		return sink.count(models.EventOrderFilled) == 1 && sink.count(models.EventOrderPlaced) == 5
	}, waitFor, tick)
}

func TestMonitor_RoundTripCountsProfit(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	// 105 卖单成交后在 105 挂买单, 再成交后在 105 挂卖单
	sell := orderAt(t, e, id, models.Sell, 105)
	gw.fill(sell.ExchangeOrderID)
	require.Eventually(t, func() bool {
		state, _ := e.GetGridState(id)
		return state != nil && len(state.Orders) == 5
	}, waitFor, tick)

	buy := orderAt(t, e, id, models.Buy, 105)
	gw.fill(buy.ExchangeOrderID)
	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.FilledOrders == 2 && snap.OpenOrders == 4
	}, waitFor, tick)

	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, snap.EstimatedPnL, 1e-9)
}

func TestMonitor_RequoteFailureWithoutRetryLeavesLevelEmpty(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	buy := orderAt(t, e, id, models.Buy, 90)
	gw.Lock()
	gw.failPrices[90] = 1
	gw.Unlock()
	gw.fill(buy.ExchangeOrderID)

	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.FilledOrders == 1
	}, waitFor, tick)

	// 再等几个周期, 不应补挂
	time.Sleep(30 * time.Millisecond)
	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.OpenOrders)
	assert.Len(t, gw.placedOrders(), 4)
}

func TestMonitor_RequoteRetriesWhenConfigured(t *testing.T) {
	gw := newMockGateway(100)
	opts := testOptions()
	opts.RetryAttempts = 3
	e, _ := newTestEngine(t, gw, opts)
	id := startExampleGrid(t, e, exampleParams())

	buy := orderAt(t, e, id, models.Buy, 90)
	gw.Lock()
	gw.failPrices[90] = 2
	gw.Unlock()
	gw.fill(buy.ExchangeOrderID)

	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.FilledOrders == 1 && snap.OpenOrders == 4
	}, waitFor, tick)
	sell := orderAt(t, e, id, models.Sell, 90)
	assert.Equal(t, buy.Size, sell.Size)
}

func TestMonitor_FetchFailureIsRecoverable(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	gw.Lock()
	gw.openErrs = 3
	gw.Unlock()
	buy := orderAt(t, e, id, models.Buy, 95)
	gw.fill(buy.ExchangeOrderID)

	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.FilledOrders == 1 && snap.OpenOrders == 4
	}, waitFor, tick)

	gw.Lock()
	assert.Equal(t, 0, gw.openErrs)
	gw.Unlock()
	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.True(t, snap.Active)
}

func TestMonitor_TakeProfitStopsGrid(t *testing.T) {
	gw := newMockGateway(100)
	e, sink := newTestEngine(t, gw, testOptions())
	p := exampleParams()
	p.TakeProfit = ptr(120)
	id := startExampleGrid(t, e, p)

	time.Sleep(20 * time.Millisecond)
	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.True(t, snap.Active)

	gw.setPrice(120)
	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.Status == models.StatusStopped
	}, waitFor, tick)

	snap, err = e.GetGridStatus(id)
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, models.StopTakeProfit, snap.StopReason)
	assert.Equal(t, 0, snap.OpenOrders)
	assert.Equal(t, 1, gw.cancelCount())
	assert.Eventually(t, func() bool { return sink.count(models.EventGridStopped) == 1 }, waitFor, tick)

	err = e.StopGrid(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMonitor_StopLossStopsGrid(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	p := exampleParams()
	p.StopLoss = ptr(80)
	id := startExampleGrid(t, e, p)

	gw.setPrice(79.5)
	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.Status == models.StatusStopped
	}, waitFor, tick)

	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.StopStopLoss, snap.StopReason)
}

func TestMonitor_ModifiedThresholdIsUsed(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	// 修改后的止盈价低于当前价格, 下一个周期即触发
	_, err := e.ModifyGrid(id, ptr(100), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return snap.StopReason == models.StopTakeProfit
	}, waitFor, tick)
}

func TestMonitor_PriceDiscoveryFailureIsNotFatal(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	p := exampleParams()
	p.TakeProfit = ptr(120)
	id := startExampleGrid(t, e, p)

	gw.Lock()
	gw.priceErr = assert.AnError
	gw.Unlock()
	time.Sleep(20 * time.Millisecond)

	snap, err := e.GetGridStatus(id)
	require.NoError(t, err)
	assert.True(t, snap.Active)

	gw.Lock()
	gw.priceErr = nil
	gw.price = 125
	gw.Unlock()
	require.Eventually(t, func() bool {
		snap, _ := e.GetGridStatus(id)
		return !snap.Active
	}, waitFor, tick)
}

func TestMonitor_ExternalStopEndsMonitor(t *testing.T) {
	gw := newMockGateway(100)
	e, _ := newTestEngine(t, gw, testOptions())
	id := startExampleGrid(t, e, exampleParams())

	require.NoError(t, e.StopGrid(context.Background(), id))

	gw.Lock()
	calls := gw.openCalls
	gw.Unlock()
	time.Sleep(30 * time.Millisecond)
	gw.Lock()
	assert.Equal(t, calls, gw.openCalls, "no polling after stop")
	gw.Unlock()
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.False(t, sleepCtx(ctx, 0))
}
