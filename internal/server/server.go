// Package server exposes the weighing and inventory core over HTTP: a
// websocket stream of live samples for the weighing pane and a JSON API for
// session control, captures, loads and sales.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandisoft/mandiscale/internal/ledger"
	"github.com/mandisoft/mandiscale/internal/sale"
	"github.com/mandisoft/mandiscale/internal/scale"
)

// Server wires the scale session and the inventory core to HTTP clients.
type Server struct {
	cfg     *Config
	log     *zap.Logger
	session *scale.Session
	book    *ledger.Book
	drift   *ledger.DriftBook
	sales   *sale.Orchestrator

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// frame is the JSON structure pushed to websocket clients.
type frame struct {
	Type   string        `json:"type"` // "sample" or "status"
	Sample *scale.Sample `json:"sample,omitempty"`
	State  string        `json:"state,omitempty"`
	Demo   bool          `json:"demo,omitempty"`
	Error  string        `json:"error,omitempty"`
	Stamp  int64         `json:"stamp"` // Unix ms
}

// New creates a Server.
func New(cfg *Config, log *zap.Logger, session *scale.Session, book *ledger.Book, drift *ledger.DriftBook, sales *sale.Orchestrator) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		session: session,
		book:    book,
		drift:   drift,
		sales:   sales,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Split from Run so tests can drive the API
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/scale/connect", s.handleConnect)
	mux.HandleFunc("/api/scale/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/scale/command", s.handleCommand)
	mux.HandleFunc("/api/scale/settings", s.handleSettings)
	mux.HandleFunc("/api/scale/status", s.handleStatus)

	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/sale", s.handleSale)
	mux.HandleFunc("/api/load", s.handleLoad)
	mux.HandleFunc("/api/vehicles/", s.handleVehicle)

	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run serves until the context is cancelled, relaying live samples to
// websocket clients in the background.
func (s *Server) Run(ctx context.Context) error {
	go s.relaySamples(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// relaySamples forwards session samples to every connected client.
func (s *Server) relaySamples(ctx context.Context) {
	ch := s.session.Subscribe()
	defer s.session.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case smp, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(frame{
				Type:   "sample",
				Sample: &smp,
				Stamp:  time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("websocket client connected", zap.Int("total", total))

	// Initial status so a fresh pane renders without waiting for a tick.
	if data, err := json.Marshal(s.statusFrame()); err == nil {
		client.send <- data
	}

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader: drains keep-alives, detaches the client on error.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("websocket client disconnected", zap.Int("total", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) statusFrame() frame {
	f := frame{
		Type:  "status",
		State: s.session.State().String(),
		Demo:  s.session.Demo(),
		Stamp: time.Now().UnixMilli(),
	}
	if smp, ok := s.session.Sample(); ok {
		f.Sample = &smp
	}
	if failure, ok := s.session.LastError(); ok {
		f.Error = failure.Kind.Message()
	}
	return f
}

func (s *Server) broadcast(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// --- scale session API ---

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Connect(r.Context()); err != nil {
		status := http.StatusBadGateway
		if kind, ok := scale.KindOf(err); ok && kind == scale.DeviceNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, scaleErrorMessage(err))
		return
	}
	s.broadcast(s.statusFrame())
	writeJSON(w, http.StatusOK, s.statusFrame())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Disconnect(); err != nil {
		writeError(w, http.StatusInternalServerError, scaleErrorMessage(err))
		return
	}
	s.session.ClearError()
	s.broadcast(s.statusFrame())
	writeJSON(w, http.StatusOK, s.statusFrame())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if err := s.session.SendCommand(req.Command); err != nil {
		writeError(w, http.StatusBadGateway, scaleErrorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.session.Settings())

	case http.MethodPatch, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}
		merged, err := s.session.UpdateSettings(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, merged)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.statusFrame())
}

// --- inventory API ---

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		VehicleID string `json:"vehicleId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicleId is required")
		return
	}
	res, err := s.sales.CaptureWeight(req.VehicleID)
	if err != nil {
		if errors.Is(err, sale.ErrNoSample) {
			writeError(w, http.StatusConflict, "No weight reading available. Connect the scale first.")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sale.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	res, err := s.sales.CommitSale(r.Context(), req)
	if err != nil {
		var comp *sale.CompensatedError
		var lineErr *sale.LineError
		switch {
		case errors.As(err, &comp):
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":     ledger.ErrorMessage(comp.Line.Err),
				"invoiceId": comp.InvoiceID,
				"productId": comp.Line.ProductID,
			})
		case errors.As(err, &lineErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":     ledger.ErrorMessage(lineErr.Err),
				"productId": lineErr.ProductID,
			})
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		VehicleID string          `json:"vehicleId"`
		ProductID string          `json:"productId"`
		Quantity  decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "vehicleId and productId are required")
		return
	}
	m, err := s.book.Load(req.VehicleID, req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ledger.ErrorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleVehicle serves /api/vehicles/{id}/{stock|movements|drift}.
func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/vehicles/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	vehicleID := parts[0]

	switch parts[1] {
	case "stock":
		stock := s.book.VehicleStock(vehicleID)
		if stock == nil {
			stock = []ledger.StockLine{}
		}
		writeJSON(w, http.StatusOK, stock)
	case "movements":
		movements := s.book.Movements(vehicleID)
		if movements == nil {
			movements = []ledger.Movement{}
		}
		writeJSON(w, http.StatusOK, movements)
	case "drift":
		writeJSON(w, http.StatusOK, s.drift.Counters(vehicleID))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// scaleErrorMessage maps a session error to operator-facing text.
func scaleErrorMessage(err error) string {
	if kind, ok := scale.KindOf(err); ok {
		return kind.Message()
	}
	return "Scale error."
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
