// Package httpapi serves flow status, direct pour recording, stat mappings
// and the operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	govalidator "github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/flow"
	"github.com/septivank/tapflow-worker/internal/logging"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/stats"
	"go.uber.org/zap"
)

// FlowStatusReader answers flow status queries
type FlowStatusReader interface {
	Status(ctx context.Context, tapID string) (flow.FlowStatus, error)
}

// PourService records pours and reads stat mappings and session members
type PourService interface {
	Commit(ctx context.Context, req recorder.Request) (*db.Pour, error)
	Stats(ctx context.Context, subject db.Subject) (*stats.Mapping, error)
	SessionPours(ctx context.Context, sessionID snowflake.ID) ([]db.Pour, error)
}

// TapStore reads and writes tap configuration
type TapStore interface {
	GetTap(ctx context.Context, tapID string) (*db.Tap, error)
	PutTap(ctx context.Context, tap *db.Tap) error
}

// Deps are the collaborators of the router
type Deps struct {
	Flows    FlowStatusReader
	Pours    PourService
	Taps     TapStore
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type handler struct {
	Deps
	validate *govalidator.Validate
	now      func() time.Time
}

// NewRouter builds the HTTP routes
func NewRouter(deps Deps) http.Handler {
	h := &handler{Deps: deps, validate: govalidator.New(), now: time.Now}
	if h.Gatherer == nil {
		h.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Route("/taps/{tapID}", func(r chi.Router) {
			r.Get("/", h.getTap)
			r.Put("/", h.putTap)
			r.Get("/flow", h.flowStatus)
			r.Post("/pours", h.recordPour)
		})
		r.Get("/stats/{kind}/{subjectID}", h.subjectStats)
		r.Get("/sessions/{sessionID}/pours", h.sessionPours)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.Logger.Error("failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.Logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		logging.WithRequestID(h.Logger, chimiddleware.GetReqID(r.Context())).Error(message,
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	h.respondJSON(w, status, errorResponse{Error: message})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) flowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Flows.Status(r.Context(), chi.URLParam(r, "tapID"))
	if err != nil {
		if errors.Is(err, flow.ErrWorkerStopped) {
			h.respondError(w, r, http.StatusServiceUnavailable, "flow worker stopped", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to read flow status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

type tapRequest struct {
	Name      string   `json:"name" validate:"max=128"`
	KegID     *int64   `json:"keg_id" validate:"omitempty,gt=0"`
	MlPerTick *float64 `json:"ml_per_tick" validate:"omitempty,gt=0"`
}

type tapResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	KegID     *int64  `json:"keg_id"`
	MlPerTick float64 `json:"ml_per_tick"`
}

func (h *handler) getTap(w http.ResponseWriter, r *http.Request) {
	tap, err := h.Taps.GetTap(r.Context(), chi.URLParam(r, "tapID"))
	if errors.Is(err, repository.ErrNotFound) {
		h.respondError(w, r, http.StatusNotFound, "tap not found", nil)
		return
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to load tap", err)
		return
	}
	h.respondJSON(w, http.StatusOK, tapResponse{ID: tap.ID, Name: tap.Name, KegID: tap.KegID, MlPerTick: tap.MlPerTick})
}

func (h *handler) putTap(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	tap := &db.Tap{ID: chi.URLParam(r, "tapID"), Name: req.Name, KegID: req.KegID}
	if req.MlPerTick != nil {
		tap.MlPerTick = *req.MlPerTick
	}
	if err := h.Taps.PutTap(r.Context(), tap); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to save tap", err)
		return
	}
	h.respondJSON(w, http.StatusOK, tapResponse{ID: tap.ID, Name: tap.Name, KegID: tap.KegID, MlPerTick: tap.MlPerTick})
}

type pourRequest struct {
	Ticks    int64    `json:"ticks" validate:"gte=0"`
	VolumeMl *float64 `json:"volume_ml" validate:"omitempty,gte=0"`
	UserID   string   `json:"user_id" validate:"max=128"`
	// PourTime is when the pour ended, defaulting to now
	PourTime *time.Time `json:"pour_time"`
	Duration float64    `json:"duration_seconds" validate:"gte=0,lte=86400"`
}

type pourResponse struct {
	ID            string  `json:"id"`
	TapID         string  `json:"tap_id"`
	KegID         int64   `json:"keg_id"`
	UserID        *string `json:"user_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	Ticks         int64   `json:"ticks"`
	VolumeMl      float64 `json:"volume_ml"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	IsValid       bool    `json:"is_valid"`
	InvalidReason *string `json:"invalid_reason,omitempty"`
}

func newPourResponse(pour *db.Pour) pourResponse {
	resp := pourResponse{
		ID:            pour.ID.String(),
		TapID:         pour.TapID,
		KegID:         pour.KegID,
		UserID:        pour.UserID,
		Ticks:         pour.Ticks,
		VolumeMl:      pour.VolumeMl,
		StartTime:     pour.StartTime.Format(time.RFC3339Nano),
		EndTime:       pour.EndTime.Format(time.RFC3339Nano),
		IsValid:       pour.IsValid,
		InvalidReason: pour.InvalidReason,
	}
	if pour.SessionID != nil {
		resp.SessionID = pour.SessionID.String()
	}
	return resp
}

func (h *handler) recordPour(w http.ResponseWriter, r *http.Request) {
	var req pourRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	end := h.now().UTC()
	if req.PourTime != nil {
		end = req.PourTime.UTC()
	}
	start := end.Add(-time.Duration(req.Duration * float64(time.Second)))

	pour, err := h.Pours.Commit(r.Context(), recorder.Request{
		TapID:     chi.URLParam(r, "tapID"),
		Ticks:     req.Ticks,
		StartTime: start,
		EndTime:   end,
		UserID:    req.UserID,
		VolumeMl:  req.VolumeMl,
	})
	switch {
	case errors.Is(err, recorder.ErrUnknownTap):
		h.respondError(w, r, http.StatusNotFound, "unknown tap", nil)
		return
	case errors.Is(err, recorder.ErrNoActiveKeg):
		h.respondError(w, r, http.StatusConflict, "no active keg on tap", nil)
		return
	case err != nil:
		h.respondError(w, r, http.StatusInternalServerError, "failed to record pour", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, newPourResponse(pour))
}

type statsResponse struct {
	Subject  string         `json:"subject"`
	Revision int            `json:"revision"`
	Stats    map[string]any `json:"stats"`
}

func (h *handler) subjectStats(w http.ResponseWriter, r *http.Request) {
	subject := db.Subject{
		Kind: db.SubjectKind(chi.URLParam(r, "kind")),
		ID:   chi.URLParam(r, "subjectID"),
	}
	switch subject.Kind {
	case db.SubjectUser, db.SubjectKeg, db.SubjectSession:
	default:
		h.respondError(w, r, http.StatusBadRequest, "unknown subject kind", nil)
		return
	}

	m, err := h.Pours.Stats(r.Context(), subject)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to load stats", err)
		return
	}
	if m == nil {
		h.respondError(w, r, http.StatusNotFound, "no stats for subject", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, statsResponse{Subject: subject.String(), Revision: m.Revision, Stats: m.Values})
}

func (h *handler) sessionPours(w http.ResponseWriter, r *http.Request) {
	id, err := snowflake.ParseString(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid session id", nil)
		return
	}

	pours, err := h.Pours.SessionPours(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.respondError(w, r, http.StatusNotFound, "session not found", nil)
		return
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to load session pours", err)
		return
	}

	resp := make([]pourResponse, len(pours))
	for i := range pours {
		resp[i] = newPourResponse(&pours[i])
	}
	h.respondJSON(w, http.StatusOK, resp)
}
