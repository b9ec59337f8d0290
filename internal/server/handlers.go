package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devfleet/devfleet/availability"
	"github.com/devfleet/devfleet/lifecycle"
	"github.com/devfleet/devfleet/messaging"
	"github.com/devfleet/devfleet/persistence"
)

// =============================================================================
// 🧭 运维 API
// =============================================================================

// API 只读运维接口，暴露健康检查、指标与车队状态查询
type API struct {
	fleet     *lifecycle.Service
	provider  availability.Provider
	store     *persistence.Store
	transport messaging.Transport
	logger    *zap.Logger
}

// NewHandler 构建运维 API 的 http.Handler。
// store 可为 nil，此时历史查询走内存状态机。
func NewHandler(fleet *lifecycle.Service, provider availability.Provider, store *persistence.Store, transport messaging.Transport, logger *zap.Logger) http.Handler {
	api := &API{
		fleet:     fleet,
		provider:  provider,
		store:     store,
		transport: transport,
		logger:    logger.With(zap.String("component", "ops_api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", api.handleHealth)
	mux.HandleFunc("GET /readyz", api.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/agents", api.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", api.handleAgentStatus)
	mux.HandleFunc("GET /api/v1/agents/{id}/history", api.handleAgentHistory)
	mux.HandleFunc("GET /api/v1/queue", api.handleQueueStats)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	// 传输层已关闭视为未就绪
	if a.transport != nil {
		if _, err := json.Marshal(a.transport.Stats()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type agentSummary struct {
	lifecycle.StateInfo
	Load *availability.Load `json:"load,omitempty"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	statuses := a.fleet.AllStatuses()

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]agentSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.summarize(r, statuses[id]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := a.fleet.AgentStatus(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found", "agent_id": id})
		return
	}
	writeJSON(w, http.StatusOK, a.summarize(r, info))
}

func (a *API) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	// 优先查持久层，未配置时回退到内存历史
	if a.store != nil {
		records, err := a.store.TransitionHistory(r.Context(), id, limit)
		if err != nil {
			a.logger.Warn("transition history query failed", zap.String("agent_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	mgr, err := a.fleet.Manager(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found", "agent_id": id})
		return
	}
	writeJSON(w, http.StatusOK, mgr.History(limit))
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if a.transport == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no transport configured"})
		return
	}
	writeJSON(w, http.StatusOK, a.transport.Stats())
}

func (a *API) summarize(r *http.Request, info lifecycle.StateInfo) agentSummary {
	s := agentSummary{StateInfo: info}
	if a.provider != nil {
		if load, err := a.provider.AgentLoad(r.Context(), info.AgentID); err == nil {
			s.Load = &load
		}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
