package bot

import (
	"context"
	"time"

	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"
)

// monitor 是单个网格的监控协程: 轮询挂单, 推断成交, 反向补单, 检查止盈止损。
// 每个运行中的网格恰好有一个 monitor, 周期之间严格串行。
func (e *Engine) monitor(ctx context.Context, id string, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	e.logger.Infof("网格 %s 监控协程已启动", id)
	defer e.logger.Infof("网格 %s 监控协程已退出", id)

	for {
		if ctx.Err() != nil {
			return
		}
		wait, exit := e.runCycle(ctx, id)
		if exit {
			return
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// runCycle 执行一个监控周期, 周期内的 panic 会被恢复并按 ErrorBackoff 等待
func (e *Engine) runCycle(ctx context.Context, id string) (wait time.Duration, exit bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("网格 %s 监控周期发生意外错误: %v", id, r)
			wait, exit = e.opts.ErrorBackoff, false
		}
	}()
	return e.cycle(ctx, id)
}

func (e *Engine) cycle(ctx context.Context, id string) (time.Duration, bool) {
	var (
		def    models.GridDefinition
		active bool
	)
	if err := e.registry.withGrid(id, func(g *gridEntry) error {
		def = g.state.Definition
		active = g.state.Active && g.state.Status == models.StatusActive
		return nil
	}); err != nil || !active {
		return 0, true
	}

	// 1. 拉取交易所当前挂单
	open, err := e.gateway.GetOpenOrders(ctx, def.Symbol, def.IsPerpetual)
	if err != nil {
		if ctx.Err() != nil {
			return 0, true
		}
		e.logger.Warnf("网格 %s 获取挂单失败, %s 后重试: %v", id, e.opts.FetchRetryDelay, err)
		return e.opts.FetchRetryDelay, false
	}
	if ctx.Err() != nil {
		return 0, true
	}

	// 2. 不在挂单列表中的 open 订单视为已成交
	filled := e.markFilled(id, open)

	// 3. 每笔成交在同价同量挂出反向订单
	for i := range filled {
		f := filled[i]
		e.publish(models.EventOrderFilled, id, &f, nil)
		if ctx.Err() != nil {
			return 0, true
		}
		e.requote(ctx, id, def, f)
	}
	if ctx.Err() != nil {
		return 0, true
	}

	// 4. 止盈止损检查
	if e.checkExit(ctx, id, def) {
		return 0, true
	}
	return e.opts.PollInterval, false
}

// markFilled 根据交易所挂单集合推断成交, 返回本周期新成交的订单副本
func (e *Engine) markFilled(id string, open []exchange.OpenOrder) []models.GridOrder {
	live := make(map[string]struct{}, len(open))
	for _, o := range open {
		live[o.OrderID] = struct{}{}
	}

	var filled []models.GridOrder
	_ = e.registry.withGrid(id, func(g *gridEntry) error {
		now := e.now()
		for i := range g.state.Orders {
			o := &g.state.Orders[i]
			if o.Status != models.OrderOpen {
				continue
			}
			if _, ok := live[o.ExchangeOrderID]; ok {
				continue
			}
			o.Status = models.OrderFilled
			filledAt := now
			o.FilledAt = &filledAt
			cp := *o
			cp.FilledAt = copyTime(o.FilledAt)
			filled = append(filled, cp)
		}
		return nil
	})
	if len(filled) > 0 {
		e.logger.Infof("网格 %s 检测到 %d 笔成交", id, len(filled))
	}
	return filled
}

// requote 为一笔成交挂出反向订单, 最多尝试 RetryAttempts 次, 每次间隔翻倍
func (e *Engine) requote(ctx context.Context, id string, def models.GridDefinition, filled models.GridOrder) {
	side := filled.Side.Opposite()
	delay := e.opts.RetryInitialDelay

	for attempt := 1; attempt <= e.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
		}
		ack, err := e.placeLimit(ctx, side, def, filled.Price, filled.Size)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Errorf("网格 %s 反向挂单失败 (%s @ %.8f, 第 %d/%d 次): %v", id, side, filled.Price, attempt, e.opts.RetryAttempts, err)
			continue
		}

		order := models.GridOrder{
			Side:            side,
			Price:           filled.Price,
			Size:            filled.Size,
			LevelIndex:      filled.LevelIndex,
			ExchangeOrderID: ack.OrderID,
			Status:          models.OrderOpen,
			PlacedAt:        e.now(),
		}
		_ = e.registry.withGrid(id, func(g *gridEntry) error {
			g.state.Orders = append(g.state.Orders, order)
			return nil
		})
		e.logger.Infof("网格 %s 反向挂单成功: %s %.8f @ %.8f", id, side, order.Size, order.Price)
		e.publish(models.EventOrderPlaced, id, &order, nil)
		return
	}
	e.logger.Warnf("网格 %s 在 %.8f 的档位反向挂单最终失败, 该档位将保持空缺", id, filled.Price)
}

// checkExit 在配置了止盈或止损时检查价格, 触发后停止网格并返回 true
func (e *Engine) checkExit(ctx context.Context, id string, def models.GridDefinition) bool {
	var tp, sl *float64
	_ = e.registry.withGrid(id, func(g *gridEntry) error {
		tp, sl = copyFloat(g.state.TakeProfit), copyFloat(g.state.StopLoss)
		return nil
	})
	if tp == nil && sl == nil {
		return false
	}

	price, err := e.discoverPrice(ctx, def)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warnf("网格 %s 止盈止损检查获取价格失败: %v", id, err)
		}
		return false
	}

	var reason models.StopReason
	switch {
	case tp != nil && price >= *tp:
		reason = models.StopTakeProfit
		e.logger.Infof("网格 %s 触发止盈: 价格 %.8f >= %.8f", id, price, *tp)
	case sl != nil && price <= *sl:
		reason = models.StopStopLoss
		e.logger.Infof("网格 %s 触发止损: 价格 %.8f <= %.8f", id, price, *sl)
	default:
		return false
	}

	if err := e.stop(context.Background(), id, reason, true); err != nil {
		e.logger.Warnf("网格 %s 自动停止失败: %v", id, err)
	}
	return true
}

// sleepCtx 等待 d 或 ctx 结束, ctx 结束时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
