package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// symbolRules 是交易对的 LOT_SIZE 和 PRICE_FILTER 规则
type symbolRules struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

// quantity 把数量向下对齐到 stepSize, 对齐后为 0 时返回 ErrRejected
func (r symbolRules) quantity(v float64) (string, error) {
	q := decimal.NewFromFloat(v)
	if r.stepSize.IsPositive() {
		q = q.Div(r.stepSize).Floor().Mul(r.stepSize)
	} else {
		q = q.Truncate(8)
	}
	if !q.IsPositive() {
		return "", fmt.Errorf("%w: quantity %v is below step size %s", ErrRejected, v, r.stepSize)
	}
	return q.String(), nil
}

// price 把价格对齐到最近的 tickSize
func (r symbolRules) price(v float64) (string, error) {
	p := decimal.NewFromFloat(v)
	if r.tickSize.IsPositive() {
		p = p.Div(r.tickSize).Round(0).Mul(r.tickSize)
	} else {
		p = p.Round(8)
	}
	if !p.IsPositive() {
		return "", fmt.Errorf("%w: price %v is below tick size %s", ErrRejected, v, r.tickSize)
	}
	return p.String(), nil
}

func parseRule(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// rules 返回交易对的交易规则, 第一次使用时从 exchangeInfo 获取并缓存
func (g *BinanceGateway) rules(ctx context.Context, op, symbol string, perpetual bool) (symbolRules, error) {
	key := symbol
	if perpetual {
		key = "perp:" + symbol
	}
	g.rulesMu.Lock()
	r, ok := g.rulesCache[key]
	g.rulesMu.Unlock()
	if ok {
		return r, nil
	}

	if err := g.wait(ctx); err != nil {
		return symbolRules{}, gatewayErr(op, symbol, err)
	}
	found := false
	if perpetual {
		info, err := g.futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return symbolRules{}, g.wrap(op, symbol, err)
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != symbol {
				continue
			}
			if f := s.LotSizeFilter(); f != nil {
				r.stepSize = parseRule(f.StepSize)
			}
			if f := s.PriceFilter(); f != nil {
				r.tickSize = parseRule(f.TickSize)
			}
			found = true
			break
		}
	} else {
		info, err := g.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			return symbolRules{}, g.wrap(op, symbol, err)
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != symbol {
				continue
			}
			if f := s.LotSizeFilter(); f != nil {
				r.stepSize = parseRule(f.StepSize)
			}
			if f := s.PriceFilter(); f != nil {
				r.tickSize = parseRule(f.TickSize)
			}
			found = true
			break
		}
	}
	if !found {
		return symbolRules{}, gatewayErr(op, symbol, ErrUnknownSymbol)
	}

	g.rulesMu.Lock()
	g.rulesCache[key] = r
	g.rulesMu.Unlock()
	g.logger.Infof("%s 交易规则: stepSize=%s, tickSize=%s", symbol, r.stepSize, r.tickSize)
	return r, nil
}
