package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// GridStatus 是网格生命周期状态
type GridStatus string

const (
	StatusCreated  GridStatus = "created"
	StatusActive   GridStatus = "active"
	StatusStopping GridStatus = "stopping"
	StatusStopped  GridStatus = "stopped"
)

// OrderStatus 是网格订单的状态
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled" // 网格停止时仍未成交的订单
)

// StopReason 记录网格停止的原因
type StopReason string

const (
	StopManual     StopReason = "manual"
	StopTakeProfit StopReason = "take_profit"
	StopStopLoss   StopReason = "stop_loss"
	StopShutdown   StopReason = "shutdown"
	StopRestored   StopReason = "restored"
)

// GridDefinition 描述一个价格网格, 创建后【不可变】
type GridDefinition struct {
	ID                 string      `json:"id"`
	Symbol             string      `json:"symbol"`
	LowerPrice         float64     `json:"lower_price"`
	UpperPrice         float64     `json:"upper_price"`
	NumLevels          int         `json:"num_levels"`
	TotalInvestment    float64     `json:"total_investment"`
	InvestmentPerLevel float64     `json:"investment_per_level"`
	IsPerpetual        bool        `json:"is_perpetual"`
	Leverage           int         `json:"leverage"`
	Levels             []GridLevel `json:"levels"`
	CreatedAt          time.Time   `json:"created_at"`
}

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"` // 基础货币数量 = 单格投资额 / 价格
}

// GridOrder 是网格在交易所上的一笔挂单, 成交后原地更新状态
type GridOrder struct {
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	LevelIndex      int         `json:"level_index"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	PlacedAt        time.Time   `json:"placed_at"`
	FilledAt        *time.Time  `json:"filled_at,omitempty"`
}

// GridRuntimeState 追踪一个网格的【动态状态】, 只由引擎修改
type GridRuntimeState struct {
	Definition GridDefinition `json:"definition"`
	Orders     []GridOrder    `json:"orders"` // 只增不减
	Active     bool           `json:"active"`
	Status     GridStatus     `json:"status"`
	TakeProfit *float64       `json:"take_profit,omitempty"`
	StopLoss   *float64       `json:"stop_loss,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	StoppedAt  *time.Time     `json:"stopped_at,omitempty"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
}

// Clone 返回状态的深拷贝, 供并发读取和持久化使用
func (s *GridRuntimeState) Clone() *GridRuntimeState {
	if s == nil {
		return nil
	}
	c := *s
	c.Definition.Levels = append([]GridLevel(nil), s.Definition.Levels...)
	c.Orders = make([]GridOrder, len(s.Orders))
	for i, o := range s.Orders {
		c.Orders[i] = o
		c.Orders[i].FilledAt = cloneTime(o.FilledAt)
	}
	c.TakeProfit = cloneFloat(s.TakeProfit)
	c.StopLoss = cloneFloat(s.StopLoss)
	c.StartedAt = cloneTime(s.StartedAt)
	c.StoppedAt = cloneTime(s.StoppedAt)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	x := *t
	return &x
}

// EventType 是引擎对外发布的事件类型
type EventType string

const (
	EventGridCreated   EventType = "grid_created"
	EventGridStarted   EventType = "grid_started"
	EventGridModified  EventType = "grid_modified"
	EventGridStopped   EventType = "grid_stopped"
	EventGridRemoved   EventType = "grid_removed"
	EventOrderPlaced   EventType = "order_placed"
	EventOrderFilled   EventType = "order_filled"
	EventOrderCanceled EventType = "order_canceled"
)

// GridEvent 是引擎状态变化的通知
type GridEvent struct {
	Type      EventType         `json:"type"`
	GridID    string            `json:"grid_id"`
	Timestamp time.Time         `json:"timestamp"`
	Order     *GridOrder        `json:"order,omitempty"`
	State     *GridRuntimeState `json:"state,omitempty"` // 事件发生后的状态快照
}
