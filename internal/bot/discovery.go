package bot

import (
	"context"
	"fmt"

	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"
)

// discoverPrice 获取网格交易对的参考价格。
// ticker 模式只查询行情; market_probe 模式下一笔极小的市价买单, 以成交价作为参考价。
func (e *Engine) discoverPrice(ctx context.Context, def models.GridDefinition) (float64, error) {
	var (
		price float64
		err   error
	)
	switch e.opts.PriceDiscovery {
	case models.PriceDiscoveryMarketProbe:
		var fill exchange.Fill
		fill, err = e.gateway.PlaceMarketBuy(ctx, exchange.OrderRequest{
			Symbol:    def.Symbol,
			Size:      e.opts.ProbeSize,
			Leverage:  def.Leverage,
			Perpetual: def.IsPerpetual,
		})
		price = fill.Price
	default:
		price, err = e.gateway.GetPrice(ctx, def.Symbol, def.IsPerpetual)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPriceDiscovery, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: gateway returned non-positive price %v", ErrPriceDiscovery, price)
	}
	return price, nil
}
