package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/incidents"
	"github.com/bissquit/incident-autopilot/internal/ledger"
	"github.com/bissquit/incident-autopilot/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Pagination constants.
const (
	DefaultIncidentsLimit = 50
	MaxIncidentsLimit     = 500
)

// Service is the coordinator surface used by the HTTP handler.
type Service interface {
	RunCycle(ctx context.Context, t Trigger) Result
	ListIncidents(ctx context.Context, filter incidents.Filter) IncidentList
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	RestartCounts(ctx context.Context, rng ledger.DateRange) (RestartCountsReport, error)
	ResolveIncident(ctx context.Context, id, notes string) (*domain.Incident, error)
	Status() AgentStatus
	SetAutoRun(enabled bool) AgentStatus
}

// Handler handles HTTP requests for the engine.
type Handler struct {
	service   Service
	validator *validator.Validate
}

// NewHandler creates a new engine handler.
func NewHandler(service Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers read-only routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agent/status", h.GetStatus)
	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/restart-counts", h.GetRestartCounts)
}

// RegisterOperatorRoutes registers routes that trigger actions or change state.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/cycles", h.RunCycle)
	r.Put("/agent/auto-run", h.SetAutoRun)
	r.Post("/incidents/{id}/resolve", h.ResolveIncident)
}

// AutoRunRequest represents the request body for toggling scheduled cycles.
type AutoRunRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ResolveRequest represents the request body for resolving an incident.
type ResolveRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

// ListIncidentsQuery holds the parsed incident filters.
type ListIncidentsQuery struct {
	Type      string `validate:"omitempty,oneof=cpu memory"`
	Workload  string `validate:"max=253"`
	Namespace string `validate:"max=63"`
	Limit     int    `validate:"min=1,max=500"`
}

// RunCycle handles POST /cycles.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	var req Trigger
	if err := decodeOptional(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	res := h.service.RunCycle(r.Context(), req)

	status := http.StatusOK
	switch res.Status {
	case StatusBusy:
		status = http.StatusConflict
	case StatusCooldown:
		status = http.StatusTooManyRequests
	}
	httputil.Success(w, status, res)
}

// GetStatus handles GET /agent/status.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.Status())
}

// SetAutoRun handles PUT /agent/auto-run.
func (h *Handler) SetAutoRun(w http.ResponseWriter, r *http.Request) {
	var req AutoRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	httputil.Success(w, http.StatusOK, h.service.SetAutoRun(*req.Enabled))
}

// ListIncidents handles GET /incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := ListIncidentsQuery{
		Type:      q.Get("type"),
		Workload:  q.Get("workload"),
		Namespace: q.Get("namespace"),
		Limit:     DefaultIncidentsLimit,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		query.Limit = limit
	}
	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	filter := incidents.Filter{
		Workload:  query.Workload,
		Namespace: query.Namespace,
		Limit:     query.Limit,
	}
	if query.Type != "" {
		t := domain.MetricType(query.Type)
		filter.Type = &t
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid resolved parameter")
			return
		}
		filter.Resolved = &resolved
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid since parameter, expected RFC 3339")
			return
		}
		filter.Since = &since
	}

	httputil.Success(w, http.StatusOK, h.service.ListIncidents(r.Context(), filter))
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// ResolveIncident handles POST /incidents/{id}/resolve.
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inc, err := h.service.ResolveIncident(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// GetRestartCounts handles GET /restart-counts.
func (h *Handler) GetRestartCounts(w http.ResponseWriter, r *http.Request) {
	rng := ledger.DateRange{
		From: r.URL.Query().Get("from"),
		To:   r.URL.Query().Get("to"),
	}

	report, err := h.service.RestartCounts(r.Context(), rng)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, report)
}

var errorMappings = []httputil.ErrorMapping{
	{Error: domain.ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ledger.ErrInvalidDay, Status: http.StatusBadRequest},
	{Error: ledger.ErrInvalidRange, Status: http.StatusBadRequest},
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	httputil.HandleError(ctx, w, err, errorMappings)
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
