package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perp"
)

// Config holds API server configuration.
type Config struct {
	Host            string
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	TickInterval    time.Duration
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		TickInterval:    time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes the risk engine over HTTP and streams market updates
// over WebSocket.
type Server struct {
	engine    *perp.Engine
	vault     *perp.CollateralVault
	publisher *Publisher
	logger    log.Logger
	config    Config

	clients     map[*client]bool
	clientsMu   sync.Mutex
	clientCount int32
	register    chan *client
	unregister  chan *client
	broadcast   chan []byte

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a new API server.
func NewServer(engine *perp.Engine, vault *perp.CollateralVault, publisher *Publisher, logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine:     engine,
		vault:      vault,
		publisher:  publisher,
		logger:     logger,
		config:     config,
		clients:    make(map[*client]bool),
		register:   make(chan *client, 100),
		unregister: make(chan *client, 100),
		broadcast:  make(chan []byte, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Router returns the HTTP handler for the API endpoints.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/open", s.handleOpen)
	mux.HandleFunc("POST /v1/close", s.handleClose)
	mux.HandleFunc("POST /v1/liquidate", s.handleLiquidate)
	mux.HandleFunc("POST /v1/fund", s.handleFund)
	mux.HandleFunc("GET /v1/position/{account}", s.handlePosition)
	mux.HandleFunc("GET /v1/market", s.handleMarket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start begins serving and blocks until the server shuts down.
func (s *Server) Start() error {
	s.wg.Add(2)
	go s.runHub()
	go s.runTicker()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("API server starting", "addr", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		s.httpServer.Shutdown(context.Background())
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop shuts down the server and all client connections.
func (s *Server) Stop() {
	s.logger.Info("Stopping API server")
	s.cancel()
	s.wg.Wait()
}

// --- request/response types ---

type openRequest struct {
	Account  string `json:"account"`
	Margin   string `json:"margin"`
	Leverage int64  `json:"leverage"`
	Long     bool   `json:"long"`
	MinSize  string `json:"minSize,omitempty"`
}

type accountRequest struct {
	Account string `json:"account"`
}

type liquidateRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

type fundRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type positionView struct {
	Account      string `json:"account"`
	Side         string `json:"side"`
	Margin       string `json:"margin"`
	Size         string `json:"size"`
	OpenNotional string `json:"openNotional"`
	Leverage     int64  `json:"leverage"`
	EntryPrice   string `json:"entryPrice"`
	MarginRatio  string `json:"marginRatio"`
	PnL          string `json:"pnl"`
	OpenedAt     int64  `json:"openedAt"`
}

type marketView struct {
	BaseReserve   string `json:"baseReserve"`
	QuoteReserve  string `json:"quoteReserve"`
	SpotPrice     string `json:"spotPrice"`
	OpenPositions int    `json:"openPositions"`
	ProtocolFees  string `json:"protocolFees"`
	Paused        bool   `json:"paused"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- handlers ---

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	margin, err := parseAmount(req.Margin)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid margin: %w", err))
		return
	}
	minSize := big.NewInt(0)
	if req.MinSize != "" {
		if minSize, err = parseAmount(req.MinSize); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid minSize: %w", err))
			return
		}
	}

	pos, err := s.engine.OpenPosition(req.Account, margin, req.Leverage, req.Long, minSize)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	spot := s.engine.SpotPrice()
	s.publisher.PublishTrade(req.Account, "open", pos.AbsSize(), spot)
	s.broadcastJSON("trade", map[string]interface{}{
		"account":   req.Account,
		"action":    "open",
		"size":      formatAmount(pos.AbsSize()),
		"spotPrice": formatAmount(spot),
	})
	writeJSON(w, http.StatusOK, s.viewPosition(pos))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payout, err := s.engine.ClosePosition(req.Account)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	spot := s.engine.SpotPrice()
	s.publisher.PublishTrade(req.Account, "close", payout, spot)
	s.broadcastJSON("trade", map[string]interface{}{
		"account":   req.Account,
		"action":    "close",
		"payout":    formatAmount(payout),
		"spotPrice": formatAmount(spot),
	})
	writeJSON(w, http.StatusOK, map[string]string{"payout": formatAmount(payout)})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reward, err := s.engine.LiquidatePosition(req.Caller, req.Account)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	spot := s.engine.SpotPrice()
	s.publisher.PublishLiquidation(req.Account, req.Caller, reward, spot)
	s.broadcastJSON("liquidation", map[string]interface{}{
		"account":    req.Account,
		"liquidator": req.Caller,
		"reward":     formatAmount(reward),
		"spotPrice":  formatAmount(spot),
	})
	writeJSON(w, http.StatusOK, map[string]string{"reward": formatAmount(reward)})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}

	if err := s.vault.Fund(req.Account, amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": formatAmount(s.vault.ExternalBalance(req.Account)),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetPosition(r.PathValue("account"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(pos))
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.viewMarket())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"paused":  s.engine.Paused(),
		"clients": atomic.LoadInt32(&s.clientCount),
	})
}

func (s *Server) viewPosition(pos *perp.Position) positionView {
	side := "long"
	if !pos.IsLong() {
		side = "short"
	}
	view := positionView{
		Account:      pos.Account,
		Side:         side,
		Margin:       formatAmount(pos.Margin),
		Size:         formatAmount(pos.AbsSize()),
		OpenNotional: formatAmount(pos.OpenNotional),
		Leverage:     pos.Leverage,
		EntryPrice:   formatAmount(pos.EntryPrice),
		MarginRatio:  s.engine.MarginRatio(pos.Account).String(),
		OpenedAt:     pos.OpenedAt.UnixMilli(),
	}
	if pnl, err := s.engine.UnrealizedPnL(pos.Account); err == nil {
		view.PnL = formatAmount(pnl)
	}
	return view
}

func (s *Server) viewMarket() marketView {
	base, quote := s.engine.Reserves()
	return marketView{
		BaseReserve:   formatAmount(base),
		QuoteReserve:  formatAmount(quote),
		SpotPrice:     formatAmount(s.engine.SpotPrice()),
		OpenPositions: s.engine.PositionCount(),
		ProtocolFees:  formatAmount(s.engine.ProtocolFees()),
		Paused:        s.engine.Paused(),
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, perp.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, perp.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, perp.ErrPositionExists),
		errors.Is(err, perp.ErrPaused),
		errors.Is(err, perp.ErrNotLiquidatable),
		errors.Is(err, perp.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, perp.ErrInsufficientLiquidity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// parseAmount converts a decimal string into a 6-decimal fixed-point value.
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(6).BigInt(), nil
}

// --- websocket hub ---

type streamMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	s.register <- c

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for c := range s.clients {
				close(c.send)
			}
			s.clients = make(map[*client]bool)
			s.clientsMu.Unlock()
			return

		case c := <-s.register:
			s.clientsMu.Lock()
			s.clients[c] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("Client connected", "total", atomic.LoadInt32(&s.clientCount))

		case c := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
				atomic.AddInt32(&s.clientCount, -1)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("Client disconnected", "total", atomic.LoadInt32(&s.clientCount))

		case data := <-s.broadcast:
			s.clientsMu.Lock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					// Slow client, drop the message.
				}
			}
			s.clientsMu.Unlock()
		}
	}
}

// runTicker broadcasts the market snapshot at a fixed interval.
func (s *Server) runTicker() {
	defer s.wg.Done()

	interval := s.config.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.clientCount) == 0 {
				continue
			}
			s.broadcastJSON("market", s.viewMarket())
		}
	}
}

func (s *Server) broadcastJSON(msgType string, data interface{}) {
	msg, err := json.Marshal(streamMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case s.broadcast <- msg:
	default:
		// Hub backlog full, drop the update.
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
