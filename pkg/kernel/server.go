// Package kernel exposes the HTTP surface: job submission, point-in-time
// status polling, the live progress stream and recipe retrieval.
package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clipchef/clipchef/internal/core/domain"
	"github.com/clipchef/clipchef/internal/core/ports"
	"github.com/clipchef/clipchef/internal/core/services"
)

// TokenValidator resolves a bearer credential to a stable owner ID.
type TokenValidator interface {
	ValidateToken(token string) (uuid.UUID, error)
}

// Enqueuer is the slice of the task queue the server needs.
type Enqueuer interface {
	Enqueue(id domain.JobID) error
}

type Server struct {
	logger    *slog.Logger
	store     ports.JobStore
	recipes   ports.RecipeStore
	queue     Enqueuer
	bus       *services.EventBus
	tokens    TokenValidator
	keepalive time.Duration
	validate  *validator.Validate
}

func NewServer(
	logger *slog.Logger,
	store ports.JobStore,
	recipes ports.RecipeStore,
	queue Enqueuer,
	bus *services.EventBus,
	tokens TokenValidator,
	keepalive time.Duration,
) *Server {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Server{
		logger:    logger,
		store:     store,
		recipes:   recipes,
		queue:     queue,
		bus:       bus,
		tokens:    tokens,
		keepalive: keepalive,
		validate:  validator.New(),
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/healthz":
			s.handleHealth(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			s.handleSubmitJob(w, r)
		case r.Method == http.MethodGet && isJobEventsPath(r.URL.Path):
			s.handleJobEvents(w, r)
		case r.Method == http.MethodGet && isJobPath(r.URL.Path):
			s.handleGetJob(w, r)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/recipes/"):
			s.handleGetRecipe(w, r)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	})
}

// isJobPath checks if an URL path matches /v1/jobs/{id}
func isJobPath(path string) bool {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest != "" && !strings.Contains(rest, "/")
}

// isJobEventsPath checks if an URL path matches /v1/jobs/{id}/events
func isJobEventsPath(path string) bool {
	const prefix = "/v1/jobs/"
	const suffix = "/events"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return false
	}
	middle := path[len(prefix) : len(path)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

func jobIDFromPath(path string) domain.JobID {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return domain.JobID(parts[2])
}

// bearerToken extracts the credential from the Authorization header or,
// for EventSource clients that cannot set headers, from the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authenticate(r *http.Request) (uuid.UUID, error) {
	token := bearerToken(r)
	if token == "" {
		return uuid.Nil, errors.New("missing credential")
	}
	return s.tokens.ValidateToken(token)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type submitJobRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Locale string `json:"locale" validate:"omitempty,oneof=de en"`
}

type submitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "url must be a valid http(s) URL and locale one of de, en")
		return
	}

	job := domain.NewJob(callerID, domain.JobInput{
		SourceURL: strings.TrimSpace(req.URL),
		Locale:    req.Locale,
	})

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("failed to create job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable, retry later")
		return
	}

	if err := s.queue.Enqueue(job.ID); err != nil {
		s.logger.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue saturated, retry later")
		return
	}

	s.logger.Info("job submitted", "job_id", job.ID, "owner_id", callerID)
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:  string(job.ID),
		Status: string(domain.JobStatusPending),
	})
}

type jobSnapshotResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	StageIndex  int               `json:"stage_index"`
	StageTotal  int               `json:"stage_total"`
	StageLabel  string            `json:"stage_label"`
	StageDetail string            `json:"stage_detail,omitempty"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       *domain.JobError  `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func snapshotResponse(job domain.Job) jobSnapshotResponse {
	return jobSnapshotResponse{
		JobID:       string(job.ID),
		Status:      string(job.Status),
		StageIndex:  job.StageIndex,
		StageTotal:  job.StageTotal,
		StageLabel:  job.StageLabel,
		StageDetail: job.StageDetail,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// handleGetJob serves the point-in-time snapshot. Polling this endpoint is
// the degradation path for clients that never open a live stream; both read
// the same store, so they can never disagree.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	job, err := s.store.GetJob(r.Context(), jobIDFromPath(r.URL.Path))
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable, retry later")
		return
	}
	if job.OwnerID != callerID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	writeJSON(w, http.StatusOK, snapshotResponse(job))
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recipeID, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/v1/recipes/"))
	if err != nil {
		writeError(w, http.StatusNotFound, "recipe not found")
		return
	}

	recipe, err := s.recipes.GetRecipe(r.Context(), recipeID)
	if errors.Is(err, domain.ErrRecipeNotFound) {
		writeError(w, http.StatusNotFound, "recipe not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load recipe", "recipe_id", recipeID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "recipe store unavailable, retry later")
		return
	}
	if recipe.OwnerID != callerID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	writeJSON(w, http.StatusOK, recipe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
