package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"elysium-grid-bot-go/internal/bot"
	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"
	"elysium-grid-bot-go/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJournal struct {
	orders []storage.OrderRecord
	events []storage.EventRecord
	err    error
}

func (f *fakeJournal) ListOrders(gridID string) ([]storage.OrderRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]storage.OrderRecord, 0)
	for _, o := range f.orders {
		if o.GridID == gridID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeJournal) ListEvents(gridID string, limit int) ([]storage.EventRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, journal JournalReader) (*Server, *bot.Engine, *exchange.PaperGateway) {
	t.Helper()
	logger := zap.NewNop()
	gw := exchange.NewPaperGateway(nil, logger)
	gw.SetPrice("BTC/USDC", 100)

	engine := bot.NewEngine(bot.Options{
		PollInterval:    time.Hour,
		FetchRetryDelay: time.Hour,
		ErrorBackoff:    time.Hour,
		PriceDiscovery:  models.PriceDiscoveryTicker,
		RetryAttempts:   1,
	}, gw, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	return NewServer(engine, journal, nil, logger), engine, gw
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

const createBody = `{"symbol":"BTC/USDC","lower_price":90,"upper_price":110,"num_levels":5,"total_investment":500}`

func createGrid(t *testing.T, h http.Handler) string {
	t.Helper()
	code, env := do(t, h, http.MethodPost, "/api/v1/grids", createBody)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var status models.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &status))
	return status.GridID
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	code, env := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Equal(t, "ok", env.Message)
}

func TestGridLifecycleOverHTTP(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	id := createGrid(t, h)
	assert.True(t, strings.HasPrefix(id, "grid_"))

	code, env := do(t, h, http.MethodGet, "/api/v1/grids/"+id, "")
	require.Equal(t, http.StatusOK, code)
	var status models.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, models.StatusCreated, status.Status)
	assert.Equal(t, 0, status.OpenOrders)

	code, env = do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/start", "")
	require.Equal(t, http.StatusOK, code, env.Message)
	var started map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, 4, started["orders_placed"])

	code, env = do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/start", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)

	code, env = do(t, h, http.MethodPatch, "/api/v1/grids/"+id, `{"take_profit":125}`)
	require.Equal(t, http.StatusOK, code, env.Message)
	var thresholds models.ExitThresholds
	require.NoError(t, json.Unmarshal(env.Data, &thresholds))
	require.NotNil(t, thresholds.TakeProfit)
	assert.Equal(t, 125.0, *thresholds.TakeProfit)
	assert.Nil(t, thresholds.StopLoss)

	code, env = do(t, h, http.MethodGet, "/api/v1/grids", "")
	require.Equal(t, http.StatusOK, code)
	var list models.GridList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Active, 1)
	assert.Empty(t, list.Inactive)

	code, _ = do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/stop", "")
	assert.Equal(t, http.StatusConflict, code)

	code, env = do(t, h, http.MethodPost, "/api/v1/grids/clean", "")
	require.Equal(t, http.StatusOK, code)
	var cleaned map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &cleaned))
	assert.Equal(t, 1, cleaned["removed"])

	code, _ = do(t, h, http.MethodGet, "/api/v1/grids/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateGrid_ValidationErrors(t *testing.T) {
	s, engine, _ := newTestServer(t, nil)
	h := s.Handler()

	code, env := do(t, h, http.MethodPost, "/api/v1/grids", `{"symbol":"BTC/USDC","lower_price":110,"upper_price":90,"num_levels":5,"total_investment":500}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	code, _ = do(t, h, http.MethodPost, "/api/v1/grids", `{"symbol":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodPost, "/api/v1/grids", `{"symbol":"BTC/USDC","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Empty(t, engine.ListGrids().Inactive)
}

func TestStartGrid_PriceDiscoveryFailureIsBadGateway(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	code, env := do(t, h, http.MethodPost, "/api/v1/grids", `{"symbol":"DOGE/USDC","lower_price":0.1,"upper_price":0.2,"num_levels":3,"total_investment":50}`)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var status models.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &status))

	code, env = do(t, h, http.MethodPost, "/api/v1/grids/"+status.GridID+"/start", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.False(t, env.Success)
}

func TestStopAll(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	code, env := do(t, h, http.MethodPost, "/api/v1/grids/stop-all", "")
	require.Equal(t, http.StatusOK, code)
	var result models.StopAllResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 0, result.StoppedCount)
	assert.Empty(t, result.Errors)

	for i := 0; i < 2; i++ {
		id := createGrid(t, h)
		code, _ = do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/start", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, env = do(t, h, http.MethodPost, "/api/v1/grids/stop-all", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 2, result.StoppedCount)
}

func TestModifyUnknownGrid(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	code, env := do(t, s.Handler(), http.MethodPatch, "/api/v1/grids/grid_missing", `{"stop_loss":80}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
}

func TestOrdersAndEventsEndpoints(t *testing.T) {
	journal := &fakeJournal{
		orders: []storage.OrderRecord{
			{GridID: "grid_a", ExchangeOrderID: "1", Side: "BUY", Price: 95, Status: "open"},
			{GridID: "grid_b", ExchangeOrderID: "2", Side: "SELL", Price: 105, Status: "open"},
		},
		events: []storage.EventRecord{{ID: 2, GridID: "grid_a", Type: "grid_started"}, {ID: 1, GridID: "grid_a", Type: "grid_created"}},
	}
	s, _, _ := newTestServer(t, journal)
	h := s.Handler()

	code, env := do(t, h, http.MethodGet, "/api/v1/grids/grid_a/orders", "")
	require.Equal(t, http.StatusOK, code)
	var orders []storage.OrderRecord
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].ExchangeOrderID)

	code, env = do(t, h, http.MethodGet, "/api/v1/grids/grid_a/events?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var events []storage.EventRecord
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "grid_started", events[0].Type)

	code, _ = do(t, h, http.MethodGet, "/api/v1/grids/grid_a/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	journal.err = errors.New("database is locked")
	code, env = do(t, h, http.MethodGet, "/api/v1/grids/grid_a/orders", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "database is locked", env.Message)
}

func TestOrdersEndpoint_NoJournal(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	code, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/grids/grid_a/orders", "")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", bot.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", bot.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", bot.ErrAlreadyActive), http.StatusConflict},
		{fmt.Errorf("x: %w", bot.ErrNotActive), http.StatusConflict},
		{fmt.Errorf("%w: %w", bot.ErrPriceDiscovery, errors.New("timeout")), http.StatusBadGateway},
		{&exchange.GatewayError{Op: "GetPrice", Symbol: "BTCUSDC", Err: exchange.ErrRateLimited}, http.StatusBadGateway},
		{fmt.Errorf("start grid x: %w", bot.ErrShuttingDown), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/grids", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketReceivesEvents(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	go s.Hub().Run()
	defer s.Hub().Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?grid=grid_a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// 订阅了 grid_a, grid_b 的事件不会送达
	s.Hub().Broadcast(models.GridEvent{Type: models.EventGridStarted, GridID: "grid_b"})
	s.Hub().Broadcast(models.GridEvent{Type: models.EventGridStopped, GridID: "grid_a"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev models.GridEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "grid_a", ev.GridID)
	assert.Equal(t, models.EventGridStopped, ev.Type)
}

// ctxRecordingGrids records whether the context was still live when the engine saw it.
type ctxRecordingGrids struct {
	*bot.Engine
	mu       sync.Mutex
	startErr error
	stopErr  error
}

func (g *ctxRecordingGrids) StartGrid(ctx context.Context, id string) (int, error) {
	g.mu.Lock()
	g.startErr = ctx.Err()
	g.mu.Unlock()
	return g.Engine.StartGrid(ctx, id)
}

func (g *ctxRecordingGrids) StopGrid(ctx context.Context, id string) error {
	g.mu.Lock()
	g.stopErr = ctx.Err()
	g.mu.Unlock()
	return g.Engine.StopGrid(ctx, id)
}

func TestStartStopOutliveClientDisconnect(t *testing.T) {
	_, engine, _ := newTestServer(t, nil)
	grids := &ctxRecordingGrids{Engine: engine}
	s := NewServer(grids, nil, nil, zap.NewNop())
	h := s.Handler()
	id := createGrid(t, h)

	gone, cancel := context.WithCancel(context.Background())
	cancel()

	for _, path := range []string{"/api/v1/grids/" + id + "/start", "/api/v1/grids/" + id + "/stop"} {
		req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(gone)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	grids.mu.Lock()
	defer grids.mu.Unlock()
	assert.NoError(t, grids.startErr)
	assert.NoError(t, grids.stopErr)

	status, err := engine.GetGridStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, status.Status)
}

func TestStartRejectedAfterEngineShutdown(t *testing.T) {
	s, engine, _ := newTestServer(t, nil)
	h := s.Handler()
	id := createGrid(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := engine.Shutdown(ctx)
	require.NoError(t, err)

	code, env := do(t, h, http.MethodPost, "/api/v1/grids/"+id+"/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, env.Success)
}

func TestShutdownBeforeStart(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	done := make(chan error, 1)
	go func() { done <- s.Start("127.0.0.1:0") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server kept serving after Shutdown")
	}
}

func TestStartThenShutdown(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start("127.0.0.1:0") }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server kept serving after Shutdown")
	}
}

func TestWebSocketRejectsUnknownOrigin(t *testing.T) {
	_, engine, _ := newTestServer(t, nil)
	s := NewServer(engine, nil, []string{"http://localhost:3000"}, zap.NewNop())
	go s.Hub().Run()
	defer s.Hub().Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "http://evil.example", true},
		{[]string{"*"}, "http://evil.example", true},
		{[]string{"http://localhost:3000"}, "", true},
		{[]string{"http://localhost:3000"}, "http://LOCALHOST:3000", true},
		{[]string{"http://localhost:3000"}, "http://evil.example", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.allowed, tt.origin), "%v %q", tt.allowed, tt.origin)
	}
}
