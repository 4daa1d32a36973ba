package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDC", NormalizeSymbol("BTC/USDC"))
	assert.Equal(t, "ETHUSDT", NormalizeSymbol("eth-usdt"))
	assert.Equal(t, "SOLUSDT", NormalizeSymbol("SOLUSDT"))
}

func TestPaperGateway_LimitOrdersFillWhenPriceCrosses(t *testing.T) {
	ctx := context.Background()
	g := NewPaperGateway(nil, zap.NewNop())
	g.SetPrice("BTC/USDC", 100)

	buy, err := g.PlaceLimitBuy(ctx, OrderRequest{Symbol: "BTC/USDC", Size: 1, Price: 95})
	require.NoError(t, err)
	sell, err := g.PlaceLimitSell(ctx, OrderRequest{Symbol: "BTC/USDC", Size: 1, Price: 105})
	require.NoError(t, err)
	assert.NotEqual(t, buy.OrderID, sell.OrderID)

	open, err := g.GetOpenOrders(ctx, "BTC/USDC", false)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	g.SetPrice("BTC/USDC", 94)
	open, err = g.GetOpenOrders(ctx, "BTC/USDC", false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, sell.OrderID, open[0].OrderID)
	assert.Equal(t, "SELL", open[0].Side)

	g.SetPrice("BTC/USDC", 106)
	open, err = g.GetOpenOrders(ctx, "BTC/USDC", false)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperGateway_SpotAndPerpBooksAreSeparate(t *testing.T) {
	ctx := context.Background()
	g := NewPaperGateway(nil, zap.NewNop())
	g.SetPrice("ETHUSDT", 3000)

	_, err := g.PlaceLimitBuy(ctx, OrderRequest{Symbol: "ETHUSDT", Size: 1, Price: 2900})
	require.NoError(t, err)
	_, err = g.PlaceLimitBuy(ctx, OrderRequest{Symbol: "ETHUSDT", Size: 1, Price: 2900, Perpetual: true})
	require.NoError(t, err)

	require.NoError(t, g.CancelAllOrders(ctx, "ETHUSDT", true))

	spot, err := g.GetOpenOrders(ctx, "ETHUSDT", false)
	require.NoError(t, err)
	perp, err := g.GetOpenOrders(ctx, "ETHUSDT", true)
	require.NoError(t, err)
	assert.Len(t, spot, 1)
	assert.Empty(t, perp)
}

func TestPaperGateway_MarketOrderFillsAtCurrentPrice(t *testing.T) {
	ctx := context.Background()
	g := NewPaperGateway(nil, zap.NewNop())

	_, err := g.PlaceMarketBuy(ctx, OrderRequest{Symbol: "BTCUSDC", Size: 0.001})
	assert.True(t, errors.Is(err, ErrUnknownSymbol), "no price known yet")

	g.SetPrice("BTCUSDC", 101.5)
	fill, err := g.PlaceMarketBuy(ctx, OrderRequest{Symbol: "BTC/USDC", Size: 0.001})
	require.NoError(t, err)
	assert.Equal(t, 101.5, fill.Price)
	assert.Equal(t, 0.001, fill.Size)
}

func TestPaperGateway_RejectsInvalidOrders(t *testing.T) {
	ctx := context.Background()
	g := NewPaperGateway(nil, zap.NewNop())

	_, err := g.PlaceLimitSell(ctx, OrderRequest{Symbol: "BTCUSDC", Size: 0, Price: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "place_limit_sell", gwErr.Op)
	assert.Equal(t, "BTCUSDC", gwErr.Symbol)

	assert.Error(t, g.SetLeverage(ctx, "BTCUSDC", 0))
	require.NoError(t, g.SetLeverage(ctx, "BTC/USDC", 5))
	assert.Equal(t, 5, g.Leverage("BTCUSDC"))
}

func TestPaperGateway_PriceSource(t *testing.T) {
	ctx := context.Background()
	price := 100.0
	var sourceErr error
	g := NewPaperGateway(func(ctx context.Context, symbol string, perpetual bool) (float64, error) {
		return price, sourceErr
	}, zap.NewNop())

	_, err := g.PlaceLimitBuy(ctx, OrderRequest{Symbol: "BTCUSDC", Size: 1, Price: 99})
	require.NoError(t, err)

	p, err := g.GetPrice(ctx, "BTCUSDC", false)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)

	price = 98
	open, err := g.GetOpenOrders(ctx, "BTCUSDC", false)
	require.NoError(t, err)
	assert.Empty(t, open, "the resting buy at 99 should fill once the source reports 98")

	sourceErr = errors.New("feed down")
	_, err = g.GetOpenOrders(ctx, "BTCUSDC", false)
	var gwErr *GatewayError
	assert.True(t, errors.As(err, &gwErr))
}
