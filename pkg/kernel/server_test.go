package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipchef/clipchef/internal/core/domain"
	"github.com/clipchef/clipchef/internal/core/services"
)

type fakeTokens struct {
	users map[string]uuid.UUID
}

func (f *fakeTokens) ValidateToken(token string) (uuid.UUID, error) {
	id, ok := f.users[token]
	if !ok {
		return uuid.Nil, errors.New("invalid token")
	}
	return id, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []domain.JobID
	err error
}

func (f *fakeQueue) Enqueue(id domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[domain.JobID]domain.Job
	recipes   map[uuid.UUID]domain.Recipe
	getErr    error
	recipeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[domain.JobID]domain.Job),
		recipes: make(map[uuid.UUID]domain.Recipe),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Job{}, s.getErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeStore) Transition(_ context.Context, id domain.JobID, mutate func(*domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if job.Terminal() {
		return domain.Job{}, domain.ErrJobTerminal
	}
	if err := mutate(&job); err != nil {
		return domain.Job{}, err
	}
	job.Version++
	s.jobs[id] = job
	return job, nil
}

func (s *fakeStore) ResetRunning(context.Context) ([]domain.JobID, error) {
	return nil, nil
}

func (s *fakeStore) SaveRecipe(_ context.Context, recipe domain.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[recipe.ID] = recipe
	return nil
}

func (s *fakeStore) GetRecipe(_ context.Context, id uuid.UUID) (domain.Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recipeErr != nil {
		return domain.Recipe{}, s.recipeErr
	}
	recipe, ok := s.recipes[id]
	if !ok {
		return domain.Recipe{}, domain.ErrRecipeNotFound
	}
	return recipe, nil
}

type serverFixture struct {
	server *Server
	store  *fakeStore
	queue  *fakeQueue
	bus    *services.EventBus

	userID     uuid.UUID
	userToken  string
	otherID    uuid.UUID
	otherToken string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	f := &serverFixture{
		store:      newFakeStore(),
		queue:      &fakeQueue{},
		bus:        services.NewEventBus(logger),
		userID:     uuid.New(),
		userToken:  "token-user",
		otherID:    uuid.New(),
		otherToken: "token-other",
	}
	tokens := &fakeTokens{users: map[string]uuid.UUID{
		f.userToken:  f.userID,
		f.otherToken: f.otherID,
	}}
	f.server = NewServer(logger, f.store, f.store, f.queue, f.bus, tokens, 50*time.Millisecond)
	return f
}

func (f *serverFixture) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) seedJob(t *testing.T, ownerID uuid.UUID) domain.Job {
	t.Helper()
	job := domain.NewJob(ownerID, domain.JobInput{SourceURL: "https://example.com/video/1", Locale: "de"})
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitJob(t *testing.T) {
	f := newServerFixture(t)

	body := []byte(`{"url": "https://example.com/video/42", "locale": "en"}`)
	rec := f.do(http.MethodPost, "/v1/jobs", f.userToken, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, string(domain.JobStatusPending), resp.Status)

	// The job is durably recorded before it is enqueued.
	job, err := f.store.GetJob(context.Background(), domain.JobID(resp.JobID))
	require.NoError(t, err)
	assert.Equal(t, f.userID, job.OwnerID)
	assert.Equal(t, "https://example.com/video/42", job.Input.SourceURL)
	assert.Equal(t, "en", job.Input.Locale)

	require.Len(t, f.queue.ids, 1)
	assert.Equal(t, domain.JobID(resp.JobID), f.queue.ids[0])
}

func TestSubmitJob_Unauthorized(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/v1/jobs", "", []byte(`{"url": "https://example.com/v"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/jobs", "bogus", []byte(`{"url": "https://example.com/v"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/v1/jobs", f.userToken, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_ValidationFailures(t *testing.T) {
	f := newServerFixture(t)

	cases := map[string]string{
		"missing url":        `{}`,
		"not a url":          `{"url": "definitely not"}`,
		"unsupported locale": `{"url": "https://example.com/v", "locale": "fr"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/jobs", f.userToken, []byte(body))
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}

	// Nothing invalid ever reaches the queue.
	assert.Empty(t, f.queue.ids)
}

func TestSubmitJob_QueueSaturated(t *testing.T) {
	f := newServerFixture(t)
	f.queue.err = services.ErrQueueFull

	rec := f.do(http.MethodPost, "/v1/jobs", f.userToken, []byte(`{"url": "https://example.com/v"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJob(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, f.userID)

	rec := f.do(http.MethodGet, "/v1/jobs/"+string(job.ID), f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobSnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(job.ID), resp.JobID)
	assert.Equal(t, string(domain.JobStatusPending), resp.Status)
	assert.Equal(t, 0, resp.StageIndex)
	assert.Equal(t, domain.StageCount, resp.StageTotal)
}

func TestGetJob_NotFound(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/v1/jobs/no-such-job", f.userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_Forbidden(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, f.userID)

	rec := f.do(http.MethodGet, "/v1/jobs/"+string(job.ID), f.otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetJob_TokenQueryParam(t *testing.T) {
	f := newServerFixture(t)
	job := f.seedJob(t, f.userID)

	rec := f.do(http.MethodGet, "/v1/jobs/"+string(job.ID)+"?token="+f.userToken, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRecipe(t *testing.T) {
	f := newServerFixture(t)
	recipe := domain.Recipe{
		ID:          uuid.New(),
		OwnerID:     f.userID,
		SourceURL:   "https://example.com/video/1",
		Locale:      "de",
		Title:       "Pasta",
		Ingredients: []string{"Mehl, 250g"},
		Steps:       []string{"Kneten"},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveRecipe(context.Background(), recipe))

	rec := f.do(http.MethodGet, "/v1/recipes/"+recipe.ID.String(), f.userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Recipe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, recipe.Title, got.Title)
	assert.Equal(t, recipe.Ingredients, got.Ingredients)

	rec = f.do(http.MethodGet, "/v1/recipes/"+recipe.ID.String(), f.otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/v1/recipes/"+uuid.NewString(), f.userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecipe_StoreUnavailable(t *testing.T) {
	f := newServerFixture(t)
	f.store.recipeErr = errors.New("connection refused")

	// An infrastructure failure is a retryable service error, not a 404.
	rec := f.do(http.MethodGet, "/v1/recipes/"+uuid.NewString(), f.userToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/v1/unknown", f.userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
