package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/memory"
	"github.com/nidhogg/nuka-kb/internal/orchestrator"
	"github.com/nidhogg/nuka-kb/internal/token"
)

// Builds is the orchestrator surface exposed over HTTP.
type Builds interface {
	RunIncremental(ctx context.Context, owner string) (*orchestrator.Summary, error)
	RunFull(ctx context.Context, owner string) (*orchestrator.Summary, error)
	Status(ctx context.Context, owner string) (*orchestrator.Status, error)
	History(ctx context.Context, owner string, limit int) ([]*memory.HistoryEntry, error)
}

// Records is the record store used for ingestion and deletion.
type Records interface {
	CreateRecord(ctx context.Context, r *memory.Record) error
	ListRecords(ctx context.Context, owner string) ([]*memory.Record, error)
	DeleteRecords(ctx context.Context, owner string, ids []string) (int64, error)
}

// Ledger registers record ids. Writes never block a request.
type Ledger interface {
	SaveInBackground(owner, recordID string)
	DeleteInBackground(owner string, ids []string)
	GetMemoryIDs(ctx context.Context, owner string) ([]string, error)
}

// Events streams build events for an owner.
type Events interface {
	Subscribe(ctx context.Context, owner string) <-chan *orchestrator.BuildEvent
}

// Beater forces an immediate heartbeat.
type Beater interface {
	FireNow(ctx context.Context) int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	builds    Builds
	records   Records
	ledger    Ledger
	events    Events
	heartbeat Beater
	estimator token.Estimator
	checks    []healthCheck
	logger    *zap.Logger
}

// healthTimeout bounds each backend ping on /api/health.
const healthTimeout = 3 * time.Second

type healthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewHandler creates a new API handler. events and heartbeat may be nil.
func NewHandler(
	builds Builds,
	records Records,
	ledger Ledger,
	events Events,
	heartbeat Beater,
	estimator token.Estimator,
	logger *zap.Logger,
) *Handler {
	if estimator == nil {
		estimator = token.Heuristic{}
	}
	return &Handler{
		builds:    builds,
		records:   records,
		ledger:    ledger,
		events:    events,
		heartbeat: heartbeat,
		estimator: estimator,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/heartbeat", h.triggerHeartbeat)

		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Use(h.requireOwner)

			// Build routes
			r.Post("/builds", h.runIncremental)
			r.Post("/builds/full", h.runFull)
			r.Get("/builds/history", h.buildHistory)
			r.Get("/status", h.status)
			r.Get("/events", h.streamEvents)

			// Record routes
			r.Get("/records", h.listRecords)
			r.Post("/records", h.createRecord)
			r.Delete("/records", h.deleteRecords)

			r.Get("/ledger", h.ledgerIDs)
		})
	})

	return r
}

// AddHealthCheck registers a backend ping reported by /api/health.
func (h *Handler) AddHealthCheck(name string, ping func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, ping: ping})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := c.ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", zap.String("backend", c.name), zap.Error(err))
			checks[c.name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[c.name] = "ok"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "nuka-kb",
		"checks":  checks,
	})
}

// requireOwner rejects malformed owner ids before any handler runs.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := orchestrator.ValidateOwner(chi.URLParam(r, "owner")); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Builds ---

func (h *Handler) runIncremental(w http.ResponseWriter, r *http.Request) {
	sum, err := h.builds.RunIncremental(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) runFull(w http.ResponseWriter, r *http.Request) {
	sum, err := h.builds.RunFull(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) buildHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	entries, err := h.builds.History(r.Context(), chi.URLParam(r, "owner"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*memory.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.builds.Status(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// streamEvents relays build events as server-sent events until the client
// disconnects.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	events := h.events.Subscribe(r.Context(), chi.URLParam(r, "owner"))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: build\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) triggerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.heartbeat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "heartbeat not initialized"})
		return
	}
	fired := h.heartbeat.FireNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "fired",
		"owners": fired,
	})
}

// --- Records ---

type createRecordRequest struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.records.ListRecords(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*memory.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	owner := chi.URLParam(r, "owner")
	tokens := h.estimator.Estimate(req.Text)
	rec := &memory.Record{ID: req.ID, Owner: owner, Text: req.Text, TokenCount: &tokens}
	if err := h.records.CreateRecord(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}

	if h.ledger != nil {
		h.ledger.SaveInBackground(owner, rec.ID)
	}
	writeJSON(w, http.StatusCreated, rec)
}

type deleteRecordsRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) deleteRecords(w http.ResponseWriter, r *http.Request) {
	var req deleteRecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids are required"})
		return
	}

	owner := chi.URLParam(r, "owner")
	n, err := h.records.DeleteRecords(r.Context(), owner, req.IDs)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.ledger != nil {
		h.ledger.DeleteInBackground(owner, req.IDs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted_count": n})
}

func (h *Handler) ledgerIDs(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not configured"})
		return
	}
	ids, err := h.ledger.GetMemoryIDs(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ids": ids})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidOwner):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
