// Package gateway implements the Gateway (C9): the external HTTP surface
// that fronts the Registry and Runner Orchestrator, built on chi the way
// the rest of the corpus builds its HTTP servers.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cuemby/toolrunner/pkg/health"
	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/metrics"
	"github.com/cuemby/toolrunner/pkg/orchestrator"
	"github.com/cuemby/toolrunner/pkg/registry"
	"github.com/cuemby/toolrunner/pkg/store"
	"github.com/cuemby/toolrunner/pkg/types"
)

// Gateway wires the Registry and Orchestrator behind the /api/v1 surface.
type Gateway struct {
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	executions   store.ExecutionStore
	readiness    *health.Aggregate
	router       chi.Router
}

// New builds the router. CORS allows every origin since the gateway
// expects to sit behind an authenticating proxy in production; the allowed
// origins are fixed here and are not read from configuration.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, executions store.ExecutionStore, readiness *health.Aggregate) *Gateway {
	g := &Gateway{registry: reg, orchestrator: orch, executions: executions, readiness: readiness}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools/search", g.handleSearch)
		r.Get("/tools/{ref}", g.handleGetTool)
		r.Post("/tools/publish", g.handlePublish)
		r.Post("/tools/deprecate", g.handleDeprecate)
		r.Get("/access/check", g.handleAccessCheck)
		r.Post("/executions", g.handleExecute)
		r.Get("/executions/{id}", g.handleGetExecution)
		r.Get("/health", g.handleHealth)
	})

	g.router = r
	return g
}

// ServeHTTP satisfies http.Handler so Gateway can be passed straight to
// http.Server.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		log.WithComponent("gateway").Info().
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("duration", duration).
			Msg("request")

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, msg string) {
	writeJSON(w, status, types.ExecError{Type: kind, Message: msg})
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	var capabilities []string
	for _, c := range q["capability"] {
		if c != "" {
			capabilities = append(capabilities, strings.Split(c, ",")...)
		}
	}

	results, err := g.registry.Search(r.Context(), q.Get("q"), capabilities, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrUnknown, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (g *Gateway) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name, version := splitRef(chi.URLParam(r, "ref"))
	m, err := g.registry.GetTool(r.Context(), name, version)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type publishRequest struct {
	Owner    string          `json:"owner"`
	Summary  string          `json:"summary"`
	Manifest types.Manifest  `json:"manifest"`
}

func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrValidation, "malformed request body")
		return
	}

	id, err := g.registry.Publish(r.Context(), req.Owner, req.Summary, &req.Manifest)
	if err != nil {
		writeError(w, http.StatusConflict, types.ErrValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type deprecateRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

func (g *Gateway) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	var req deprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrValidation, "malformed request body")
		return
	}
	if err := g.registry.Deprecate(r.Context(), req.Name, req.Version, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, types.ErrNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowed, err := g.registry.CheckAccess(r.Context(), q.Get("tool_version_id"), q.Get("agent_id"), q.Get("phase"), q.Get("role"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrUnknown, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrValidation, "malformed request body")
		return
	}

	ctx := r.Context()
	if req.BudgetMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.BudgetMS)*time.Millisecond)
		defer cancel()
	}

	resp, err := g.orchestrator.Execute(ctx, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrUnknown, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := g.executions.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.readiness == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	result := g.readiness.Run(r.Context())
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func splitRef(ref string) (name, version string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
