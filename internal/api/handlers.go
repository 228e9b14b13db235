package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/pkg/types"
)

// RecordStore gives access to recorded transactions and their counters.
type RecordStore interface {
	GetRecentRecords(limit int) []interface{}
	RecordCount() int64
	SessionCount() int64
	AnomalyCount() int64
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	hub    *Hub
	store  RecordStore
	logger *zap.Logger
}

// NewHandler creates a new API handler. A nil logger discards output.
func NewHandler(hub *Hub, store RecordStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:    hub,
		store:  store,
		logger: logger,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Sessions  int64 `json:"sessions"`
	Records   int64 `json:"records"`
	Anomalies int64 `json:"anomalies"`
	WSClients int   `json:"ws_clients"`
	Published int64 `json:"ws_published"`
	Dropped   int64 `json:"ws_dropped"`
}

// FlagInfo is one entry of GET /api/flags.
type FlagInfo struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HandleWebSocket streams records to the client as they are written.
// Query parameters set the initial filter; later text messages carrying
// a FilterSpec replace it.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, filter)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// HandleGetRecords handles GET /api/records - returns recent records for initial load
func (h *Handler) HandleGetRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	h.writeJSON(w, h.store.GetRecentRecords(limit))
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "running"})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, Stats{
		Sessions:  h.store.SessionCount(),
		Records:   h.store.RecordCount(),
		Anomalies: h.store.AnomalyCount(),
		WSClients: h.hub.ClientCount(),
		Published: h.hub.Published(),
		Dropped:   h.hub.Dropped(),
	})
}

// HandleFlags handles GET /api/flags. Without parameters it lists the
// flag registry; with ?value= (a number or a flag name) it decodes a
// bitmap.
func (h *Handler) HandleFlags(w http.ResponseWriter, r *http.Request) {
	names := types.SortedFlagNames()
	if v := r.URL.Query().Get("value"); v != "" {
		f, ok := types.ParseFlagName(v)
		if !ok {
			http.Error(w, "invalid flag value", http.StatusBadRequest)
			return
		}
		names = f.Names()
	}

	registry := types.FlagRegistry()
	out := make([]FlagInfo, 0, len(names))
	for _, name := range names {
		info := FlagInfo{Name: name, Value: name}
		if f, ok := registry[name]; ok {
			info.Value = "0x" + strconv.FormatUint(uint64(f), 16)
		}
		out = append(out, info)
	}
	h.writeJSON(w, out)
}

// HandleCORS handles CORS preflight requests.
func (h *Handler) HandleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

// withCORS answers preflight requests before calling next.
func (h *Handler) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.HandleCORS(w, r)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// WebSocket endpoint for real-time streaming
	mux.HandleFunc("/ws/records", h.HandleWebSocket)

	mux.HandleFunc("/api/records", h.withCORS(h.HandleGetRecords))
	mux.HandleFunc("/api/status", h.withCORS(h.HandleStatus))
	mux.HandleFunc("/api/stats", h.withCORS(h.HandleStats))
	mux.HandleFunc("/api/flags", h.withCORS(h.HandleFlags))
}
