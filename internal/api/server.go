// Package api exposes the core over HTTP: prediction submission, the read
// endpoints, and the manual triggers, which enqueue work and return
// immediately. Authentication and user/asset validation belong to the
// gateway in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/internal/archiver"
	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/internal/store"
	"github.com/pricepulse/pricepulse/models"
)

// Store is the persistence slice the API reads and writes.
type Store interface {
	CreatePrediction(ctx context.Context, p *models.Prediction) error
	Prediction(ctx context.Context, id string) (*models.Prediction, error)
	ListPredictions(ctx context.Context, f store.PredictionFilter) ([]models.Prediction, error)
	IncrementPredictionCount(ctx context.Context, userID string) error
	User(ctx context.Context, userID string) (*models.UserAggregate, error)
	LeaderboardMonth(ctx context.Context, month string) ([]models.LeaderboardEntry, error)
	MonthlyScores(ctx context.Context, userID string) ([]models.MonthlyScore, error)
}

// SlotSource assigns and validates slots at submission time.
type SlotSource interface {
	ActiveSlot(ctx context.Context, d models.Duration, now time.Time) (models.Slot, error)
	ValidateSelection(ctx context.Context, d models.Duration, number int, now time.Time) (models.Slot, error)
}

// Enqueuer accepts jobs from the manual trigger endpoints.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Server is the HTTP surface.
type Server struct {
	store    Store
	slots    SlotSource
	evalQ    Enqueuer
	maintQ   Enqueuer
	registry *prometheus.Registry
	logger   zerolog.Logger
}

// NewServer creates a Server. registry may be nil to omit /metrics.
func NewServer(st Store, slots SlotSource, evalQ, maintQ Enqueuer, registry *prometheus.Registry) *Server {
	return &Server{
		store:    st,
		slots:    slots,
		evalQ:    evalQ,
		maintQ:   maintQ,
		registry: registry,
		logger:   log.With().Str("component", "api").Logger(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/predictions", s.handleCreatePrediction).Methods(http.MethodPost)
	v1.HandleFunc("/predictions/{id}", s.handleGetPrediction).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/predictions", s.handleListPredictions).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/scores", s.handleMonthlyScores).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard/{month}", s.handleLeaderboard).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/evaluate/{id}", s.handleTriggerEvaluate).Methods(http.MethodPost)
	admin.HandleFunc("/sweep", s.handleTriggerSweep).Methods(http.MethodPost)
	admin.HandleFunc("/archive/{month}", s.handleTriggerArchive).Methods(http.MethodPost)
	return r
}

type createPredictionRequest struct {
	UserID     string           `json:"user_id"`
	AssetID    string           `json:"asset_id"`
	Direction  models.Direction `json:"direction"`
	Duration   models.Duration  `json:"duration"`
	SlotNumber int              `json:"slot_number,omitempty"` // 0 = current slot
}

func (s *Server) handleCreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req createPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.AssetID == "" {
		respondError(w, http.StatusBadRequest, "user_id and asset_id are required")
		return
	}
	if !req.Direction.Valid() {
		respondError(w, http.StatusBadRequest, "direction must be up or down")
		return
	}

	ctx := r.Context()
	now := time.Now()

	number := req.SlotNumber
	if number == 0 {
		active, err := s.slots.ActiveSlot(ctx, req.Duration, now)
		if err != nil {
			s.respondSlotError(w, err)
			return
		}
		number = active.Number
	}
	slot, err := s.slots.ValidateSelection(ctx, req.Duration, number, now)
	if err != nil {
		s.respondSlotError(w, err)
		return
	}

	p := &models.Prediction{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		AssetID:    req.AssetID,
		Direction:  req.Direction,
		Duration:   req.Duration,
		SlotNumber: slot.Number,
		SlotStart:  slot.Start,
		SlotEnd:    slot.End,
		CreatedAt:  now.UTC(),
		ExpiresAt:  slot.End,
		Status:     models.StatusActive,
	}
	if err := s.store.CreatePrediction(ctx, p); err != nil {
		s.logger.Error().Err(err).Msg("creating prediction failed")
		respondError(w, http.StatusInternalServerError, "could not create prediction")
		return
	}
	// Totals count submissions, not evaluations.
	if err := s.store.IncrementPredictionCount(ctx, req.UserID); err != nil {
		s.logger.Error().Err(err).Str("user", req.UserID).Msg("incrementing prediction count failed")
	}

	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Prediction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "prediction not found")
			return
		}
		s.logger.Error().Err(err).Msg("fetching prediction failed")
		respondError(w, http.StatusInternalServerError, "could not fetch prediction")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PredictionFilter{
		UserID:   mux.Vars(r)["id"],
		Status:   models.Status(q.Get("status")),
		Result:   models.Result(q.Get("result")),
		Duration: models.Duration(q.Get("duration")),
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	}
	if f.Duration != "" && !f.Duration.Valid() {
		respondError(w, http.StatusBadRequest, "unknown duration")
		return
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}

	preds, err := s.store.ListPredictions(r.Context(), f)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing predictions failed")
		respondError(w, http.StatusInternalServerError, "could not list predictions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"predictions": preds})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.User(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error().Err(err).Msg("fetching user failed")
		respondError(w, http.StatusInternalServerError, "could not fetch user")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleMonthlyScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.store.MonthlyScores(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.logger.Error().Err(err).Msg("fetching monthly scores failed")
		respondError(w, http.StatusInternalServerError, "could not fetch scores")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"scores": scores})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	month := mux.Vars(r)["month"]
	if _, err := time.Parse(archiver.MonthLayout, month); err != nil {
		respondError(w, http.StatusBadRequest, "month must look like 2025-01")
		return
	}
	entries, err := s.store.LeaderboardMonth(r.Context(), month)
	if err != nil {
		s.logger.Error().Err(err).Msg("fetching leaderboard failed")
		respondError(w, http.StatusInternalServerError, "could not fetch leaderboard")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"month": month, "entries": entries})
}

func (s *Server) handleTriggerEvaluate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job := queue.NewJob(queue.TypeEvaluate, queue.EvaluateKey(id))
	job.PredictionID = id
	queued, err := s.evalQ.Enqueue(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("enqueueing evaluation failed")
		respondError(w, http.StatusInternalServerError, "could not enqueue evaluation")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
}

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	job := queue.NewJob(queue.TypeSweep, "sweep:manual:"+uuid.NewString())
	queued, err := s.maintQ.Enqueue(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("enqueueing sweep failed")
		respondError(w, http.StatusInternalServerError, "could not enqueue sweep")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
}

func (s *Server) handleTriggerArchive(w http.ResponseWriter, r *http.Request) {
	month := mux.Vars(r)["month"]
	if _, err := time.Parse(archiver.MonthLayout, month); err != nil {
		respondError(w, http.StatusBadRequest, "month must look like 2025-01")
		return
	}
	job := queue.NewJob(queue.TypeArchive, "archive:manual:"+month)
	job.Month = month
	queued, err := s.maintQ.Enqueue(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("enqueueing archive failed")
		respondError(w, http.StatusInternalServerError, "could not enqueue archive")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondSlotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidDuration), errors.Is(err, models.ErrInvalidSlot):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusConflict, "no open slot for this duration")
	default:
		s.logger.Error().Err(err).Msg("slot resolution failed")
		respondError(w, http.StatusInternalServerError, "could not resolve slot")
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
