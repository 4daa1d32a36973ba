package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EventSink 接收引擎发布的状态变化事件, 实现不能阻塞太久
type EventSink interface {
	Publish(event models.GridEvent)
}

type nopSink struct{}

func (nopSink) Publish(models.GridEvent) {}

// Options 控制监控循环的节奏和价格发现方式
type Options struct {
	PollInterval      time.Duration
	FetchRetryDelay   time.Duration
	ErrorBackoff      time.Duration
	PriceDiscovery    string
	ProbeSize         float64
	RetryAttempts     int
	RetryInitialDelay time.Duration
}

// OptionsFromConfig 从进程配置中提取引擎参数
func OptionsFromConfig(cfg *models.Config) Options {
	return Options{
		PollInterval:      cfg.PollInterval(),
		FetchRetryDelay:   cfg.FetchRetryDelay(),
		ErrorBackoff:      cfg.ErrorBackoff(),
		PriceDiscovery:    cfg.PriceDiscovery,
		ProbeSize:         cfg.ProbeSize,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInitialDelay: cfg.RetryInitialDelay(),
	}
}

// Engine 是网格生命周期引擎: 创建、启动、监控、修改和停止网格
type Engine struct {
	opts     Options
	gateway  exchange.Gateway
	events   EventSink
	logger   *zap.SugaredLogger
	registry *Registry
	wg       sync.WaitGroup
	closing  atomic.Bool
	now      func() time.Time
}

// NewEngine 创建一个新的引擎实例。events 可以为 nil。
func NewEngine(opts Options, gateway exchange.Gateway, events EventSink, logger *zap.Logger) *Engine {
	if events == nil {
		events = nopSink{}
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Engine{
		opts:     opts,
		gateway:  gateway,
		events:   events,
		logger:   logger.Sugar(),
		registry: NewRegistry(),
		now:      time.Now,
	}
}

func (e *Engine) publish(t models.EventType, id string, order *models.GridOrder, state *models.GridRuntimeState) {
	e.events.Publish(models.GridEvent{
		Type:      t,
		GridID:    id,
		Timestamp: e.now(),
		Order:     order,
		State:     state,
	})
}

// CreateGrid 校验参数并登记一个新的未启动网格, 不做任何网络调用
func (e *Engine) CreateGrid(p models.CreateGridParams) (string, error) {
	p, err := validateParams(p)
	if err != nil {
		return "", err
	}

	now := e.now()
	perLevel := p.TotalInvestment / float64(p.NumLevels)
	def := models.GridDefinition{
		ID:                 newGridID(),
		Symbol:             p.Symbol,
		LowerPrice:         p.LowerPrice,
		UpperPrice:         p.UpperPrice,
		NumLevels:          p.NumLevels,
		TotalInvestment:    p.TotalInvestment,
		InvestmentPerLevel: perLevel,
		IsPerpetual:        p.IsPerpetual,
		Leverage:           p.Leverage,
		Levels:             computeLevels(p.LowerPrice, p.UpperPrice, p.NumLevels, perLevel),
		CreatedAt:          now,
	}
	state := &models.GridRuntimeState{
		Definition: def,
		Orders:     []models.GridOrder{},
		Status:     models.StatusCreated,
		TakeProfit: copyFloat(p.TakeProfit),
		StopLoss:   copyFloat(p.StopLoss),
		CreatedAt:  now,
	}
	if !e.registry.add(&gridEntry{state: state}) {
		return "", fmt.Errorf("grid id collision: %s", def.ID)
	}

	e.logger.Infof("网格 %s 已创建: %s [%.8f, %.8f] %d 档, 投资 %.2f", def.ID, def.Symbol, def.LowerPrice, def.UpperPrice, def.NumLevels, def.TotalInvestment)
	e.publish(models.EventGridCreated, def.ID, nil, state.Clone())
	return def.ID, nil
}

// StartGrid 获取参考价格, 挂出初始网格订单并启动监控协程。返回交易所确认的订单数。
func (e *Engine) StartGrid(ctx context.Context, id string) (int, error) {
	if e.closing.Load() {
		return 0, fmt.Errorf("start grid %s: %w", id, ErrShuttingDown)
	}
	var def models.GridDefinition
	err := e.registry.withGrid(id, func(g *gridEntry) error {
		if g.state.Active || g.starting {
			return ErrAlreadyActive
		}
		g.starting = true
		def = g.state.Definition
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("start grid %s: %w", id, err)
	}

	started := false
	defer func() {
		if !started {
			_ = e.registry.withGrid(id, func(g *gridEntry) error {
				g.starting = false
				return nil
			})
		}
	}()

	refPrice, err := e.discoverPrice(ctx, def)
	if err != nil {
		return 0, fmt.Errorf("start grid %s: %w", id, err)
	}
	e.logger.Infof("网格 %s 参考价格: %.8f", id, refPrice)

	if def.IsPerpetual {
		if err := e.gateway.SetLeverage(ctx, def.Symbol, def.Leverage); err != nil {
			e.logger.Warnf("网格 %s 设置杠杆 %dx 失败: %v", id, def.Leverage, err)
		}
	}

	placed := make([]models.GridOrder, 0, len(def.Levels))
	for _, lvl := range def.Levels {
		var side models.Side
		switch {
		case lvl.Price < refPrice:
			side = models.Buy
		case lvl.Price > refPrice:
			side = models.Sell
		default:
			continue
		}
		ack, err := e.placeLimit(ctx, side, def, lvl.Price, lvl.Size)
		if err != nil {
			e.logger.Errorf("网格 %s 初始挂单失败 (%s @ %.8f): %v", id, side, lvl.Price, err)
			continue
		}
		placed = append(placed, models.GridOrder{
			Side:            side,
			Price:           lvl.Price,
			Size:            lvl.Size,
			LevelIndex:      lvl.Index,
			ExchangeOrderID: ack.OrderID,
			Status:          models.OrderOpen,
			PlacedAt:        e.now(),
		})
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var snapshot *models.GridRuntimeState
	err = e.registry.withGrid(id, func(g *gridEntry) error {
		// 与 Shutdown 的 activeIDs 在同一把锁下判断
		if e.closing.Load() {
			return ErrShuttingDown
		}
		now := e.now()
		g.state.Orders = append(g.state.Orders, placed...)
		g.state.Active = true
		g.state.Status = models.StatusActive
		g.state.StartedAt = &now
		g.state.StoppedAt = nil
		g.state.StopReason = ""
		g.starting = false
		g.cancel = cancel
		g.done = done
		e.wg.Add(1)
		snapshot = g.state.Clone()
		return nil
	})
	if err != nil {
		cancel()
		if errors.Is(err, ErrShuttingDown) && len(placed) > 0 {
			if cerr := e.gateway.CancelAllOrders(context.Background(), def.Symbol, def.IsPerpetual); cerr != nil {
				e.logger.Warnf("网格 %s 撤销初始挂单失败, 需要手动检查交易所挂单: %v", id, cerr)
			}
		}
		return 0, fmt.Errorf("start grid %s: %w", id, err)
	}
	started = true

	// 启动事件必须先于监控协程产生的任何事件发布
	e.logger.Infof("网格 %s 已启动, 确认挂单 %d/%d", id, len(placed), len(def.Levels))
	for i := range placed {
		o := placed[i]
		e.publish(models.EventOrderPlaced, id, &o, nil)
	}
	e.publish(models.EventGridStarted, id, nil, snapshot)

	go e.monitor(monitorCtx, id, done)
	return len(placed), nil
}

// StopGrid 停止一个运行中的网格: 结束监控协程, 撤销交易所挂单并标记为已停止
func (e *Engine) StopGrid(ctx context.Context, id string) error {
	return e.stop(ctx, id, models.StopManual, false)
}

// stop 是所有停止路径的实现。fromMonitor 为 true 时由监控协程自身调用, 不能等待自己退出。
func (e *Engine) stop(ctx context.Context, id string, reason models.StopReason, fromMonitor bool) error {
	var (
		def    models.GridDefinition
		cancel context.CancelFunc
		done   chan struct{}
	)
	err := e.registry.withGrid(id, func(g *gridEntry) error {
		if !g.state.Active || g.state.Status == models.StatusStopping {
			return ErrNotActive
		}
		g.state.Status = models.StatusStopping
		def = g.state.Definition
		cancel, done = g.cancel, g.done
		return nil
	})
	if err != nil {
		return fmt.Errorf("stop grid %s: %w", id, err)
	}
	e.logger.Infof("正在停止网格 %s (原因: %s)", id, reason)

	if !fromMonitor {
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	}

	if err := e.gateway.CancelAllOrders(ctx, def.Symbol, def.IsPerpetual); err != nil {
		e.logger.Warnf("网格 %s 撤单失败, 需要手动检查交易所挂单: %v", id, err)
	}

	var (
		canceled []models.GridOrder
		snapshot *models.GridRuntimeState
	)
	_ = e.registry.withGrid(id, func(g *gridEntry) error {
		now := e.now()
		for i := range g.state.Orders {
			if g.state.Orders[i].Status == models.OrderOpen {
				g.state.Orders[i].Status = models.OrderCanceled
				canceled = append(canceled, g.state.Orders[i])
			}
		}
		g.state.Active = false
		g.state.Status = models.StatusStopped
		g.state.StoppedAt = &now
		g.state.StopReason = reason
		g.cancel = nil
		g.done = nil
		snapshot = g.state.Clone()
		return nil
	})
	if fromMonitor && cancel != nil {
		cancel()
	}

	e.logger.Infof("网格 %s 已停止, 撤销挂单 %d 笔", id, len(canceled))
	for i := range canceled {
		o := canceled[i]
		e.publish(models.EventOrderCanceled, id, &o, nil)
	}
	e.publish(models.EventGridStopped, id, nil, snapshot)
	return nil
}

// StopAllGrids 停止所有运行中的网格, 单个网格失败不会中断其余网格
func (e *Engine) StopAllGrids(ctx context.Context) models.StopAllResult {
	return e.stopAll(ctx, models.StopManual)
}

func (e *Engine) stopAll(ctx context.Context, reason models.StopReason) models.StopAllResult {
	res := models.StopAllResult{Errors: []string{}}
	for _, id := range e.activeIDs() {
		if err := e.stop(ctx, id, reason, false); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.StoppedCount++
	}
	return res
}

func (e *Engine) activeIDs() []string {
	var ids []string
	for _, id := range e.registry.ids() {
		_ = e.registry.withGrid(id, func(g *gridEntry) error {
			if g.state.Active {
				ids = append(ids, id)
			}
			return nil
		})
	}
	return ids
}

// ModifyGrid 部分更新止盈止损价格, nil 参数保持原值不变。
// 这里不再校验与价格档位的关系, 比创建时更宽松。
func (e *Engine) ModifyGrid(id string, takeProfit, stopLoss *float64) (models.ExitThresholds, error) {
	var (
		out      models.ExitThresholds
		snapshot *models.GridRuntimeState
	)
	err := e.registry.withGrid(id, func(g *gridEntry) error {
		if takeProfit != nil {
			g.state.TakeProfit = copyFloat(takeProfit)
		}
		if stopLoss != nil {
			g.state.StopLoss = copyFloat(stopLoss)
		}
		out = models.ExitThresholds{
			TakeProfit: copyFloat(g.state.TakeProfit),
			StopLoss:   copyFloat(g.state.StopLoss),
		}
		snapshot = g.state.Clone()
		return nil
	})
	if err != nil {
		return models.ExitThresholds{}, fmt.Errorf("modify grid %s: %w", id, err)
	}
	e.publish(models.EventGridModified, id, nil, snapshot)
	return out, nil
}

// GetGridStatus 返回网格的只读快照
func (e *Engine) GetGridStatus(id string) (models.StatusSnapshot, error) {
	var snap models.StatusSnapshot
	err := e.registry.withGrid(id, func(g *gridEntry) error {
		snap = buildSnapshot(g.state)
		return nil
	})
	if err != nil {
		return models.StatusSnapshot{}, fmt.Errorf("grid status %s: %w", id, err)
	}
	return snap, nil
}

// GetGridState 返回网格完整运行时状态的深拷贝
func (e *Engine) GetGridState(id string) (*models.GridRuntimeState, error) {
	var state *models.GridRuntimeState
	err := e.registry.withGrid(id, func(g *gridEntry) error {
		state = g.state.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grid state %s: %w", id, err)
	}
	return state, nil
}

// ListGrids 按是否运行对所有网格分组
func (e *Engine) ListGrids() models.GridList {
	list := models.GridList{
		Active:   []models.StatusSnapshot{},
		Inactive: []models.StatusSnapshot{},
	}
	for _, id := range e.registry.ids() {
		snap, err := e.GetGridStatus(id)
		if err != nil {
			continue // 并发清理
		}
		if snap.Active {
			list.Active = append(list.Active, snap)
		} else {
			list.Inactive = append(list.Inactive, snap)
		}
	}
	return list
}

// CleanCompletedGrids 删除所有未运行的网格, 返回删除数量。只在调用方显式请求时执行。
func (e *Engine) CleanCompletedGrids() int {
	removed := e.registry.removeInactive()
	for _, id := range removed {
		e.publish(models.EventGridRemoved, id, nil, nil)
	}
	if len(removed) > 0 {
		e.logger.Infof("已清理 %d 个已停止的网格", len(removed))
	}
	return len(removed)
}

// RestoreGrids 载入持久化的网格, 全部以未运行状态登记。
// 持久化时仍在运行的网格会被标记为 restored 停止, 其挂单尽力撤销。
func (e *Engine) RestoreGrids(ctx context.Context, states []models.GridRuntimeState) int {
	restored := 0
	for i := range states {
		st := states[i].Clone()
		id := st.Definition.ID
		if id == "" {
			continue
		}
		interrupted := st.Active || st.Status == models.StatusActive || st.Status == models.StatusStopping
		var canceled []models.GridOrder
		if interrupted {
			now := e.now()
			for j := range st.Orders {
				if st.Orders[j].Status == models.OrderOpen {
					st.Orders[j].Status = models.OrderCanceled
					canceled = append(canceled, st.Orders[j])
				}
			}
			st.Active = false
			st.Status = models.StatusStopped
			st.StoppedAt = &now
			st.StopReason = models.StopRestored
		}
		if st.Orders == nil {
			st.Orders = []models.GridOrder{}
		}
		if !e.registry.add(&gridEntry{state: st}) {
			e.logger.Warnf("网格 %s 已存在, 跳过恢复", id)
			continue
		}
		restored++

		if interrupted {
			if err := e.gateway.CancelAllOrders(ctx, st.Definition.Symbol, st.Definition.IsPerpetual); err != nil {
				e.logger.Warnf("恢复网格 %s 时撤单失败: %v", id, err)
			}
			for j := range canceled {
				o := canceled[j]
				e.publish(models.EventOrderCanceled, id, &o, nil)
			}
			e.publish(models.EventGridStopped, id, nil, st.Clone())
		}
	}
	if restored > 0 {
		e.logger.Infof("已恢复 %d 个网格", restored)
	}
	return restored
}

// Shutdown 以 shutdown 原因停止所有网格, 并等待监控协程全部退出或 ctx 结束
func (e *Engine) Shutdown(ctx context.Context) (models.StopAllResult, error) {
	e.closing.Store(true)
	res := e.stopAll(ctx, models.StopShutdown)

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return res, nil
	case <-ctx.Done():
		return res, multierr.Append(errors.New("engine shutdown timed out"), ctx.Err())
	}
}

func (e *Engine) placeLimit(ctx context.Context, side models.Side, def models.GridDefinition, price, size float64) (exchange.OrderAck, error) {
	req := exchange.OrderRequest{
		Symbol:    def.Symbol,
		Size:      size,
		Price:     price,
		Leverage:  def.Leverage,
		Perpetual: def.IsPerpetual,
	}
	if side == models.Buy {
		return e.gateway.PlaceLimitBuy(ctx, req)
	}
	return e.gateway.PlaceLimitSell(ctx, req)
}
