package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// PriceFunc 提供某个交易对的最新价格
type PriceFunc func(ctx context.Context, symbol string, perpetual bool) (float64, error)

// PaperGateway 实现了 Gateway 接口, 在内存中模拟撮合, 不会向交易所发送任何订单。
// 限价单在价格穿越挂单价时成交, 市价单按当前价格立即成交。
type PaperGateway struct {
	source PriceFunc
	logger *zap.SugaredLogger

	mu       sync.Mutex
	prices   map[string]float64
	orders   map[int64]*paperOrder
	leverage map[string]int
	nextID   int64
}

type paperOrder struct {
	id     int64
	market string
	side   string
	price  float64
	size   float64
	status string // NEW, FILLED, CANCELED
}

// NewPaperGateway 创建一个模拟网关。source 为 nil 时只使用 SetPrice 设置的价格。
func NewPaperGateway(source PriceFunc, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		source:   source,
		logger:   logger.Sugar(),
		prices:   make(map[string]float64),
		orders:   make(map[int64]*paperOrder),
		leverage: make(map[string]int),
		nextID:   1,
	}
}

func marketKey(symbol string, perpetual bool) string {
	if perpetual {
		return NormalizeSymbol(symbol) + ":PERP"
	}
	return NormalizeSymbol(symbol)
}

// SetPrice 设置价格并撮合所有被穿越的挂单, 现货和合约共用同一个价格
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, perp := range []bool{false, true} {
		key := marketKey(symbol, perp)
		g.prices[key] = price
		g.matchAtPrice(key, price)
	}
}

// refreshPrice 从价格源拉取最新价格, 没有价格源时返回已知价格
func (g *PaperGateway) refreshPrice(ctx context.Context, op, symbol string, perpetual bool) (float64, error) {
	key := marketKey(symbol, perpetual)
	if g.source != nil {
		price, err := g.source(ctx, symbol, perpetual)
		if err != nil {
			return 0, gatewayErr(op, NormalizeSymbol(symbol), err)
		}
		g.mu.Lock()
		g.prices[key] = price
		g.matchAtPrice(key, price)
		g.mu.Unlock()
		return price, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[key]
	if !ok || price <= 0 {
		return 0, gatewayErr(op, NormalizeSymbol(symbol), ErrUnknownSymbol)
	}
	return price, nil
}

// matchAtPrice 按订单号顺序检查挂单是否在给定价格成交。必须在持有锁的情况下调用。
func (g *PaperGateway) matchAtPrice(key string, price float64) {
	ids := make([]int64, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := g.orders[id]
		if o.market != key || o.status != "NEW" {
			continue
		}
		if (o.side == "BUY" && price <= o.price) || (o.side == "SELL" && price >= o.price) {
			o.status = "FILLED"
			g.logger.Infof("[模拟] 订单成交: #%d %s %s %.8f @ %.8f", o.id, key, o.side, o.size, o.price)
		}
	}
}

func (g *PaperGateway) PlaceLimitBuy(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return g.placeLimit("place_limit_buy", "BUY", req)
}

func (g *PaperGateway) PlaceLimitSell(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return g.placeLimit("place_limit_sell", "SELL", req)
}

func (g *PaperGateway) placeLimit(op, side string, req OrderRequest) (OrderAck, error) {
	symbol := NormalizeSymbol(req.Symbol)
	if req.Size <= 0 || req.Price <= 0 {
		return OrderAck{}, gatewayErr(op, symbol, fmt.Errorf("%w: size=%v price=%v", ErrRejected, req.Size, req.Price))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o := &paperOrder{
		id:     g.nextID,
		market: marketKey(req.Symbol, req.Perpetual),
		side:   side,
		price:  req.Price,
		size:   req.Size,
		status: "NEW",
	}
	g.orders[o.id] = o
	g.nextID++
	return OrderAck{OrderID: strconv.FormatInt(o.id, 10)}, nil
}

func (g *PaperGateway) PlaceMarketBuy(ctx context.Context, req OrderRequest) (Fill, error) {
	return g.placeMarket(ctx, "place_market_buy", "BUY", req)
}

func (g *PaperGateway) PlaceMarketSell(ctx context.Context, req OrderRequest) (Fill, error) {
	return g.placeMarket(ctx, "place_market_sell", "SELL", req)
}

func (g *PaperGateway) placeMarket(ctx context.Context, op, side string, req OrderRequest) (Fill, error) {
	if req.Size <= 0 {
		return Fill{}, gatewayErr(op, NormalizeSymbol(req.Symbol), fmt.Errorf("%w: size=%v", ErrRejected, req.Size))
	}
	price, err := g.refreshPrice(ctx, op, req.Symbol, req.Perpetual)
	if err != nil {
		return Fill{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o := &paperOrder{
		id:     g.nextID,
		market: marketKey(req.Symbol, req.Perpetual),
		side:   side,
		price:  price,
		size:   req.Size,
		status: "FILLED",
	}
	g.orders[o.id] = o
	g.nextID++
	return Fill{OrderID: strconv.FormatInt(o.id, 10), Price: price, Size: req.Size}, nil
}

func (g *PaperGateway) CancelAllOrders(ctx context.Context, symbol string, perpetual bool) error {
	key := marketKey(symbol, perpetual)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.market == key && o.status == "NEW" {
			o.status = "CANCELED"
		}
	}
	return nil
}

// GetOpenOrders 先用最新价格撮合, 再返回仍未成交的挂单
func (g *PaperGateway) GetOpenOrders(ctx context.Context, symbol string, perpetual bool) ([]OpenOrder, error) {
	if g.source != nil {
		if _, err := g.refreshPrice(ctx, "get_open_orders", symbol, perpetual); err != nil {
			return nil, err
		}
	}

	key := marketKey(symbol, perpetual)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OpenOrder, 0)
	for _, o := range g.orders {
		if o.market == key && o.status == "NEW" {
			out = append(out, OpenOrder{
				OrderID: strconv.FormatInt(o.id, 10),
				Side:    o.side,
				Price:   o.price,
				Size:    o.size,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (g *PaperGateway) GetPrice(ctx context.Context, symbol string, perpetual bool) (float64, error) {
	return g.refreshPrice(ctx, "get_price", symbol, perpetual)
}

func (g *PaperGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return gatewayErr("set_leverage", NormalizeSymbol(symbol), fmt.Errorf("%w: leverage=%d", ErrRejected, leverage))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[NormalizeSymbol(symbol)] = leverage
	return nil
}

// Leverage 返回最近一次为交易对设置的杠杆, 未设置时为 0
func (g *PaperGateway) Leverage(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leverage[NormalizeSymbol(symbol)]
}
