package statemanager

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"elysium-grid-bot-go/internal/models"
	"elysium-grid-bot-go/internal/persistence"
	"elysium-grid-bot-go/internal/storage"

	"go.uber.org/zap"
)

// StateProvider returns the current state of one grid.
// This is used to break the circular dependency between StateManager and the engine.
type StateProvider interface {
	GetGridState(id string) (*models.GridRuntimeState, error)
}

// OrderJournal is the part of the SQLite journal the state manager writes to.
type OrderJournal interface {
	RecordOrder(rec storage.OrderRecord) error
	UpdateOrderStatus(gridID, exchangeOrderID, status string, filledAt *time.Time) error
	RecordEvent(gridID, eventType, detail string, at time.Time) error
}

// Listener 接收每一个处理过的事件, 必须快速返回
type Listener func(event models.GridEvent)

// persistRequest is one unit of work for the persistence loop.
type persistRequest struct {
	gridID string
	state  *models.GridRuntimeState
	delete bool
}

// StateManager 串行消费引擎发布的事件: 写订单流水, 异步保存网格快照, 并把事件转发给监听者
type StateManager struct {
	repo     persistence.GridRepository
	journal  OrderJournal
	provider StateProvider

	eventChannel    chan models.GridEvent
	persistenceChan chan persistRequest
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup

	mu        sync.RWMutex
	listeners []Listener

	logger *zap.SugaredLogger
}

// NewStateManager creates a new StateManager. repo and journal may be nil.
func NewStateManager(repo persistence.GridRepository, journal OrderJournal, logger *zap.Logger) *StateManager {
	return &StateManager{
		repo:            repo,
		journal:         journal,
		eventChannel:    make(chan models.GridEvent, 1024),  // Buffered channel
		persistenceChan: make(chan persistRequest, 128), // Buffered channel for snapshots to be persisted
		stopChan:        make(chan struct{}),
		logger:          logger.Sugar(),
	}
}

// SetStateProvider wires the engine in after both sides are constructed.
func (sm *StateManager) SetStateProvider(p StateProvider) {
	sm.mu.Lock()
	sm.provider = p
	sm.mu.Unlock()
}

// AddListener registers fn to receive every event after it has been journaled.
func (sm *StateManager) AddListener(fn Listener) {
	sm.mu.Lock()
	sm.listeners = append(sm.listeners, fn)
	sm.mu.Unlock()
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop drains queued events, flushes pending snapshots and waits for both loops.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
	sm.wg.Wait()
	sm.logger.Info("StateManager stopped.")
}

// Publish implements bot.EventSink. Events published after Stop are dropped.
func (sm *StateManager) Publish(event models.GridEvent) {
	select {
	case <-sm.stopChan:
		sm.logger.Debugf("StateManager 已停止, 丢弃事件 %s (%s)", event.Type, event.GridID)
		return
	default:
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.persistenceChan)

	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// 处理停止前已经入队的事件
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of grid snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()

	for req := range sm.persistenceChan {
		if sm.repo == nil {
			continue
		}
		var err error
		if req.delete {
			err = sm.repo.DeleteGrid(req.gridID)
		} else {
			err = sm.repo.SaveGrid(req.state)
		}
		if err != nil {
			sm.logger.Errorf("CRITICAL: Failed to persist grid %s: %v", req.gridID, err)
		}
	}
}

// processEvent journals one event, schedules persistence and notifies listeners.
func (sm *StateManager) processEvent(event models.GridEvent) {
	sm.journalEvent(event)

	switch {
	case event.Type == models.EventGridRemoved:
		sm.persistenceChan <- persistRequest{gridID: event.GridID, delete: true}
	case event.State != nil:
		sm.persistenceChan <- persistRequest{gridID: event.GridID, state: event.State.Clone()}
	case event.Order != nil:
		// 订单事件不带快照, 从引擎取最新状态
		if state := sm.currentState(event.GridID); state != nil {
			sm.persistenceChan <- persistRequest{gridID: event.GridID, state: state}
		}
	}

	sm.mu.RLock()
	listeners := append([]Listener(nil), sm.listeners...)
	sm.mu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func (sm *StateManager) currentState(id string) *models.GridRuntimeState {
	sm.mu.RLock()
	p := sm.provider
	sm.mu.RUnlock()
	if p == nil {
		return nil
	}
	state, err := p.GetGridState(id)
	if err != nil {
		sm.logger.Warnf("无法获取网格 %s 的状态: %v", id, err)
		return nil
	}
	return state
}

func (sm *StateManager) journalEvent(event models.GridEvent) {
	if sm.journal == nil {
		return
	}

	if err := sm.journal.RecordEvent(event.GridID, string(event.Type), eventDetail(event), event.Timestamp); err != nil {
		sm.logger.Errorf("Failed to journal event %s for grid %s: %v", event.Type, event.GridID, err)
	}

	if event.Order == nil {
		return
	}
	o := event.Order
	var err error
	switch event.Type {
	case models.EventOrderPlaced:
		err = sm.journal.RecordOrder(sm.orderRecord(event.GridID, o))
	case models.EventOrderFilled, models.EventOrderCanceled:
		err = sm.journal.UpdateOrderStatus(event.GridID, o.ExchangeOrderID, string(o.Status), o.FilledAt)
		if errors.Is(err, sql.ErrNoRows) {
			// 流水里没有这笔订单 (例如恢复前下的单), 直接补一条
			err = sm.journal.RecordOrder(sm.orderRecord(event.GridID, o))
		}
	}
	if err != nil {
		sm.logger.Errorf("Failed to journal order %s of grid %s: %v", o.ExchangeOrderID, event.GridID, err)
	}
}

func (sm *StateManager) orderRecord(gridID string, o *models.GridOrder) storage.OrderRecord {
	rec := storage.OrderRecord{
		GridID:          gridID,
		ExchangeOrderID: o.ExchangeOrderID,
		Side:            string(o.Side),
		Price:           o.Price,
		Size:            o.Size,
		LevelIndex:      o.LevelIndex,
		Status:          string(o.Status),
		PlacedAt:        o.PlacedAt,
		FilledAt:        o.FilledAt,
	}
	if state := sm.currentState(gridID); state != nil {
		rec.Symbol = state.Definition.Symbol
	}
	return rec
}

func eventDetail(event models.GridEvent) string {
	switch {
	case event.Order != nil:
		o := event.Order
		return fmt.Sprintf("%s %s %.8f @ %.8f", o.ExchangeOrderID, o.Side, o.Size, o.Price)
	case event.State != nil && event.State.StopReason != "":
		return string(event.State.StopReason)
	case event.State != nil:
		return string(event.State.Status)
	}
	return ""
}
