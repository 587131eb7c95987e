package web

import (
	"encoding/json"
	"net/http"
	"time"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/proxypool/model"
)

// PoolView 是 web 包读取代理池状态所需的接口, 由 proxypool.Manager 实现。
type PoolView interface {
	Snapshot() []model.ProxyStats
	Len() int
	LastRefresh() time.Time
}

// StatusResponse 是 /api/status 的响应体。
type StatusResponse struct {
	PoolSize    int           `json:"pool_size"`
	LastRefresh *time.Time    `json:"last_refresh,omitempty"`
	Attempts    int64         `json:"attempts"`
	Outcomes    AttemptCounts `json:"outcomes"`
	Clients     int           `json:"ws_clients"`
}

type Handler struct {
	pool PoolView
	hub  *Hub
}

func NewHandler(pool PoolView, hub *Hub) *Handler {
	return &Handler{pool: pool, hub: hub}
}

// HandleProxies 处理 GET /api/proxies, 返回代理池快照。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.pool.Snapshot()
	if snap == nil {
		snap = []model.ProxyStats{}
	}
	writeJSON(w, snap)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{PoolSize: h.pool.Len()}
	if t := h.pool.LastRefresh(); !t.IsZero() {
		resp.LastRefresh = &t
	}
	if h.hub != nil {
		resp.Outcomes, resp.Attempts = h.hub.Counts()
		resp.Clients = h.hub.ClientCount()
	} else {
		resp.Outcomes = AttemptCounts{}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web")
		l.Error().Err(err).Msg("Failed to encode response")
	}
}
