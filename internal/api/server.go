package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"elysium-grid-bot-go/internal/bot"
	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"
	"elysium-grid-bot-go/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// controlTimeout bounds start and stop calls, which outlive the HTTP request.
const controlTimeout = 30 * time.Second

// GridService is the set of engine operations exposed over HTTP.
type GridService interface {
	CreateGrid(p models.CreateGridParams) (string, error)
	StartGrid(ctx context.Context, id string) (int, error)
	StopGrid(ctx context.Context, id string) error
	StopAllGrids(ctx context.Context) models.StopAllResult
	ModifyGrid(id string, takeProfit, stopLoss *float64) (models.ExitThresholds, error)
	GetGridStatus(id string) (models.StatusSnapshot, error)
	ListGrids() models.GridList
	CleanCompletedGrids() int
}

// JournalReader serves the order and event history of a grid.
type JournalReader interface {
	ListOrders(gridID string) ([]storage.OrderRecord, error)
	ListEvents(gridID string, limit int) ([]storage.EventRecord, error)
}

// Response 是所有接口统一的返回结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ModifyRequest is the body of PATCH /api/v1/grids/{id}.
type ModifyRequest struct {
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
}

// Server handles the REST control API and the websocket event stream
type Server struct {
	grids    GridService
	journal  JournalReader
	router   *mux.Router
	hub      *Hub
	origins  []string
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	httpSrv  *http.Server
}

// NewServer creates a new API server. journal may be nil.
func NewServer(grids GridService, journal JournalReader, allowedOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		grids:   grids,
		journal: journal,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		origins: allowedOrigins,
		logger:  logger.Sugar(),
	}
	s.upgrader = newUpgrader(allowedOrigins)
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the websocket hub so engine events can be broadcast to clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 批量操作要在 {id} 路由之前注册
	api.HandleFunc("/grids/stop-all", s.handleStopAll).Methods(http.MethodPost)
	api.HandleFunc("/grids/clean", s.handleClean).Methods(http.MethodPost)

	api.HandleFunc("/grids", s.handleCreateGrid).Methods(http.MethodPost)
	api.HandleFunc("/grids", s.handleListGrids).Methods(http.MethodGet)
	api.HandleFunc("/grids/{id}", s.handleGetGrid).Methods(http.MethodGet)
	api.HandleFunc("/grids/{id}", s.handleModifyGrid).Methods(http.MethodPatch)
	api.HandleFunc("/grids/{id}/start", s.handleStartGrid).Methods(http.MethodPost)
	api.HandleFunc("/grids/{id}/stop", s.handleStopGrid).Methods(http.MethodPost)
	api.HandleFunc("/grids/{id}/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/grids/{id}/events", s.handleListEvents).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start starts the websocket hub and serves HTTP until Shutdown is called.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Infof("[api] server starting on %s", ln.Addr())
	// Shutdown 先于 Serve 调用时 Serve 直接返回 ErrServerClosed
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	list := s.grids.ListGrids()
	respondJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"active_grids":   len(list.Active),
		"inactive_grids": len(list.Inactive),
		"ws_clients":     s.hub.ClientCount(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateGrid(w http.ResponseWriter, r *http.Request) {
	var params models.CreateGridParams
	if err := decodeBody(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.grids.CreateGrid(params)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	status, err := s.grids.GetGridStatus(id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, fmt.Sprintf("grid %s created", id), status)
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, "", s.grids.ListGrids())
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	status, err := s.grids.GetGridStatus(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, "", status)
}

func (s *Server) handleStartGrid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := controlContext(r)
	defer cancel()
	placed, err := s.grids.StartGrid(ctx, id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, fmt.Sprintf("grid %s started with %d orders", id, placed), map[string]int{"orders_placed": placed})
}

func (s *Server) handleStopGrid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := controlContext(r)
	defer cancel()
	if err := s.grids.StopGrid(ctx, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, fmt.Sprintf("grid %s stopped", id), nil)
}

func (s *Server) handleModifyGrid(w http.ResponseWriter, r *http.Request) {
	var req ModifyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := mux.Vars(r)["id"]
	thresholds, err := s.grids.ModifyGrid(id, req.TakeProfit, req.StopLoss)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, fmt.Sprintf("grid %s modified", id), thresholds)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := controlContext(r)
	defer cancel()
	result := s.grids.StopAllGrids(ctx)
	respondJSON(w, http.StatusOK, fmt.Sprintf("stopped %d grids", result.StoppedCount), result)
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	removed := s.grids.CleanCompletedGrids()
	respondJSON(w, http.StatusOK, fmt.Sprintf("removed %d grids", removed), map[string]int{"removed": removed})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotImplemented, errors.New("order journal is disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	orders, err := s.journal.ListOrders(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, "", orders)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotImplemented, errors.New("order journal is disabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	events, err := s.journal.ListEvents(mux.Vars(r)["id"], limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, "", events)
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps engine and gateway errors onto HTTP status codes.
func statusFor(err error) int {
	var gwErr *exchange.GatewayError
	switch {
	case errors.Is(err, bot.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bot.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bot.ErrAlreadyActive), errors.Is(err, bot.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, bot.ErrPriceDiscovery), errors.As(err, &gwErr):
		return http.StatusBadGateway
	case errors.Is(err, bot.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// controlContext 与请求的取消解耦: 客户端断开时, 撤单和挂单仍然要做完
func controlContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), controlTimeout)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Message: err.Error()})
}
