package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 币安返回的部分错误码
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
	codeInvalidSymbol   = -1121
	codeUnknownOrder    = -2011 // 现货撤单时没有挂单
)

// BinanceGateway 通过 go-binance 客户端实现 Gateway, 现货和U本位合约分别走各自的客户端。
type BinanceGateway struct {
	spot    *binance.Client
	futures *futures.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	rulesMu     sync.Mutex
	rulesCache  map[string]symbolRules
}

// NewBinanceGateway 创建一个新的币安网关。ratePerSec <= 0 表示不在客户端限速。
func NewBinanceGateway(apiKey, secretKey string, testnet bool, ratePerSec float64, burst int, logger *zap.Logger) *BinanceGateway {
	if testnet {
		binance.UseTestnet = true
		futures.UseTestnet = true
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return newBinanceGateway(binance.NewClient(apiKey, secretKey), binance.NewFuturesClient(apiKey, secretKey), limiter, logger)
}

func newBinanceGateway(spot *binance.Client, fut *futures.Client, limiter *rate.Limiter, logger *zap.Logger) *BinanceGateway {
	return &BinanceGateway{
		spot:        spot,
		futures:     fut,
		limiter:     limiter,
		logger:      logger.Sugar(),
		rulesCache:  make(map[string]symbolRules),
	}
}

func (g *BinanceGateway) PlaceLimitBuy(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return g.placeLimit(ctx, "place_limit_buy", "BUY", req)
}

func (g *BinanceGateway) PlaceLimitSell(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return g.placeLimit(ctx, "place_limit_sell", "SELL", req)
}

func (g *BinanceGateway) PlaceMarketBuy(ctx context.Context, req OrderRequest) (Fill, error) {
	return g.placeMarket(ctx, "place_market_buy", "BUY", req)
}

func (g *BinanceGateway) PlaceMarketSell(ctx context.Context, req OrderRequest) (Fill, error) {
	return g.placeMarket(ctx, "place_market_sell", "SELL", req)
}

func (g *BinanceGateway) placeLimit(ctx context.Context, op, side string, req OrderRequest) (OrderAck, error) {
	symbol := NormalizeSymbol(req.Symbol)
	rules, err := g.rules(ctx, op, symbol, req.Perpetual)
	if err != nil {
		return OrderAck{}, err
	}
	qty, err := rules.quantity(req.Size)
	if err != nil {
		return OrderAck{}, gatewayErr(op, symbol, err)
	}
	price, err := rules.price(req.Price)
	if err != nil {
		return OrderAck{}, gatewayErr(op, symbol, err)
	}
	if err := g.wait(ctx); err != nil {
		return OrderAck{}, gatewayErr(op, symbol, err)
	}

	if req.Perpetual {
		res, err := g.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(qty).
			Price(price).
			Do(ctx)
		if err != nil {
			return OrderAck{}, g.wrap(op, symbol, err)
		}
		g.logger.Debugf("合约限价单已提交: %s %s %s @ %s, id=%d", symbol, side, qty, price, res.OrderID)
		return OrderAck{OrderID: strconv.FormatInt(res.OrderID, 10)}, nil
	}

	res, err := g.spot.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		Price(price).
		Do(ctx)
	if err != nil {
		return OrderAck{}, g.wrap(op, symbol, err)
	}
	g.logger.Debugf("现货限价单已提交: %s %s %s @ %s, id=%d", symbol, side, qty, price, res.OrderID)
	return OrderAck{OrderID: strconv.FormatInt(res.OrderID, 10)}, nil
}

func (g *BinanceGateway) placeMarket(ctx context.Context, op, side string, req OrderRequest) (Fill, error) {
	symbol := NormalizeSymbol(req.Symbol)
	rules, err := g.rules(ctx, op, symbol, req.Perpetual)
	if err != nil {
		return Fill{}, err
	}
	qty, err := rules.quantity(req.Size)
	if err != nil {
		return Fill{}, gatewayErr(op, symbol, err)
	}
	if err := g.wait(ctx); err != nil {
		return Fill{}, gatewayErr(op, symbol, err)
	}

	var fill Fill
	if req.Perpetual {
		res, err := g.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qty).
			Do(ctx)
		if err != nil {
			return Fill{}, g.wrap(op, symbol, err)
		}
		fill = Fill{
			OrderID: strconv.FormatInt(res.OrderID, 10),
			Price:   parseFloat(res.AvgPrice),
			Size:    parseFloat(res.ExecutedQuantity),
		}
	} else {
		res, err := g.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeMarket).
			Quantity(qty).
			Do(ctx)
		if err != nil {
			return Fill{}, g.wrap(op, symbol, err)
		}
		fill = Fill{OrderID: strconv.FormatInt(res.OrderID, 10)}
		fill.Price, fill.Size = averageFill(res.Fills)
	}

	// 合约市价单返回时可能还没有成交均价, 此时退回到最新成交价
	if fill.Price <= 0 {
		price, err := g.GetPrice(ctx, symbol, req.Perpetual)
		if err != nil {
			return Fill{}, err
		}
		g.logger.Warnf("市价单 %s 未返回成交均价, 使用最新价格 %.8f", fill.OrderID, price)
		fill.Price = price
	}
	return fill, nil
}

// averageFill 计算现货市价单的成交均价和总数量
func averageFill(fills []*binance.Fill) (float64, float64) {
	notional, total := decimal.Zero, decimal.Zero
	for _, f := range fills {
		p, err1 := decimal.NewFromString(f.Price)
		q, err2 := decimal.NewFromString(f.Quantity)
		if err1 != nil || err2 != nil {
			continue
		}
		notional = notional.Add(p.Mul(q))
		total = total.Add(q)
	}
	if total.IsZero() {
		return 0, 0
	}
	return notional.Div(total).InexactFloat64(), total.InexactFloat64()
}

func (g *BinanceGateway) CancelAllOrders(ctx context.Context, symbol string, perpetual bool) error {
	symbol = NormalizeSymbol(symbol)
	if err := g.wait(ctx); err != nil {
		return gatewayErr("cancel_all", symbol, err)
	}
	if perpetual {
		if err := g.futures.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			return g.wrap("cancel_all", symbol, err)
		}
		return nil
	}
	if _, err := g.spot.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		// 没有挂单可撤时币安返回 -2011, 视为成功
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			g.logger.Infof("%s 没有需要撤销的挂单", symbol)
			return nil
		}
		return g.wrap("cancel_all", symbol, err)
	}
	return nil
}

func (g *BinanceGateway) GetOpenOrders(ctx context.Context, symbol string, perpetual bool) ([]OpenOrder, error) {
	symbol = NormalizeSymbol(symbol)
	if err := g.wait(ctx); err != nil {
		return nil, gatewayErr("get_open_orders", symbol, err)
	}
	if perpetual {
		orders, err := g.futures.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, g.wrap("get_open_orders", symbol, err)
		}
		out := make([]OpenOrder, 0, len(orders))
		for _, o := range orders {
			out = append(out, OpenOrder{
				OrderID: strconv.FormatInt(o.OrderID, 10),
				Side:    string(o.Side),
				Price:   parseFloat(o.Price),
				Size:    parseFloat(o.OrigQuantity),
			})
		}
		return out, nil
	}

	orders, err := g.spot.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, g.wrap("get_open_orders", symbol, err)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			OrderID: strconv.FormatInt(o.OrderID, 10),
			Side:    string(o.Side),
			Price:   parseFloat(o.Price),
			Size:    parseFloat(o.OrigQuantity),
		})
	}
	return out, nil
}

// GetPrice 查询最新成交价, 不需要 API Key
func (g *BinanceGateway) GetPrice(ctx context.Context, symbol string, perpetual bool) (float64, error) {
	symbol = NormalizeSymbol(symbol)
	if err := g.wait(ctx); err != nil {
		return 0, gatewayErr("get_price", symbol, err)
	}
	var raw string
	if perpetual {
		prices, err := g.futures.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, g.wrap("get_price", symbol, err)
		}
		if len(prices) == 0 {
			return 0, gatewayErr("get_price", symbol, ErrUnknownSymbol)
		}
		raw = prices[0].Price
	} else {
		prices, err := g.spot.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, g.wrap("get_price", symbol, err)
		}
		if len(prices) == 0 {
			return 0, gatewayErr("get_price", symbol, ErrUnknownSymbol)
		}
		raw = prices[0].Price
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, gatewayErr("get_price", symbol, fmt.Errorf("invalid price %q: %w", raw, err))
	}
	return price, nil
}

// SetLeverage 只对合约有效
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	symbol = NormalizeSymbol(symbol)
	if err := g.wait(ctx); err != nil {
		return gatewayErr("set_leverage", symbol, err)
	}
	if _, err := g.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return g.wrap("set_leverage", symbol, err)
	}
	g.logger.Infof("%s 杠杆已设置为 %dx", symbol, leverage)
	return nil
}

func (g *BinanceGateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// wrap 把币安的 API 错误码映射到网关的错误类型
func (g *BinanceGateway) wrap(op, symbol string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return gatewayErr(op, symbol, err)
	}
	kind := ErrRejected
	switch apiErr.Code {
	case codeTooManyRequests, codeTooManyOrders:
		kind = ErrRateLimited
	case codeInvalidSymbol:
		kind = ErrUnknownSymbol
	}
	return gatewayErr(op, symbol, fmt.Errorf("%w: code=%d %s", kind, apiErr.Code, apiErr.Message))
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
