package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Gateway 定义了网格引擎所需的全部交易所能力。
// 所有调用都可能失败, 引擎从不假设调用一定成功。
type Gateway interface {
	PlaceLimitBuy(ctx context.Context, req OrderRequest) (OrderAck, error)
	PlaceLimitSell(ctx context.Context, req OrderRequest) (OrderAck, error)
	PlaceMarketBuy(ctx context.Context, req OrderRequest) (Fill, error)
	PlaceMarketSell(ctx context.Context, req OrderRequest) (Fill, error)
	CancelAllOrders(ctx context.Context, symbol string, perpetual bool) error
	GetOpenOrders(ctx context.Context, symbol string, perpetual bool) ([]OpenOrder, error)
	GetPrice(ctx context.Context, symbol string, perpetual bool) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// OrderRequest 是一次下单请求。市价单忽略 Price。
type OrderRequest struct {
	Symbol    string
	Size      float64
	Price     float64
	Leverage  int
	Perpetual bool
}

// OrderAck 是交易所接受挂单后的确认
type OrderAck struct {
	OrderID string
}

// Fill 是市价单的成交结果
type Fill struct {
	OrderID string
	Price   float64
	Size    float64
}

// OpenOrder 是交易所上仍在挂着的订单
type OpenOrder struct {
	OrderID string
	Side    string
	Price   float64
	Size    float64
}

var (
	ErrRejected      = errors.New("order rejected")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// GatewayError 包装了一次失败的网关调用
type GatewayError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func gatewayErr(op, symbol string, err error) error {
	return &GatewayError{Op: op, Symbol: symbol, Err: err}
}

// NormalizeSymbol 把 "BTC/USDC" 或 "btc-usdc" 这样的写法转为交易所使用的 "BTCUSDC"
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "", " ", "")
	return strings.ToUpper(r.Replace(symbol))
}
