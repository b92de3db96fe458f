package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

type stubRunRepository struct {
	records    []models.RunRecord
	lastFilter repository.RunFilter
	err        error
}

func (s *stubRunRepository) Create(context.Context, *models.RunRecord) error { return nil }

func (s *stubRunRepository) Finish(context.Context, *models.RunRecord) error { return nil }

func (s *stubRunRepository) ListRecent(_ context.Context, filter repository.RunFilter) ([]models.RunRecord, error) {
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

type stubFlowRunner struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubFlowRunner) record(call string) dto.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return dto.RunSummary{RunID: "run-1", Status: models.RunStatusSucceeded}
}

func (s *stubFlowRunner) RunAutoExtension(_ context.Context, group, section string) (dto.RunSummary, error) {
	return s.record("autoext:" + group + ":" + section), nil
}

func (s *stubFlowRunner) RunSnapshots(_ context.Context, group, section string) (dto.RunSummary, error) {
	return s.record("snapshot:" + group + ":" + section), nil
}

func (s *stubFlowRunner) RunGrading(_ context.Context, group string) (dto.RunSummary, error) {
	return s.record("grading:" + group), nil
}

func (s *stubFlowRunner) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func newRunApp(runs *stubRunRepository, flows *stubFlowRunner) *fiber.App {
	app := fiber.New()
	handler.NewRunHandler(runs, flows, nil, zerolog.New(io.Discard)).Register(app.Group("/api/v1/runs"))
	return app
}

func TestRunHandler_ListAppliesFilter(t *testing.T) {
	finished := time.Date(2024, 1, 11, 8, 5, 0, 0, time.UTC)
	runs := &stubRunRepository{records: []models.RunRecord{{
		ID:         "run-1",
		Flow:       "snapshot",
		Target:     "stat201-001",
		Status:     models.RunStatusSucceeded,
		Summary:    []byte(`{"succeeded":1}`),
		StartedAt:  finished.Add(-5 * time.Minute),
		FinishedAt: &finished,
	}}}
	app := newRunApp(runs, &stubFlowRunner{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs?flow=snapshot&limit=5", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool              `json:"success"`
		Data    []dto.RunResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)

	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "stat201-001", body.Data[0].Target)
	assert.JSONEq(t, `{"succeeded":1}`, string(body.Data[0].Summary))
	assert.Equal(t, repository.RunFilter{Flow: "snapshot", Limit: 5}, runs.lastFilter)
}

func TestRunHandler_ListRejectsUnknownFlow(t *testing.T) {
	app := newRunApp(&stubRunRepository{}, &stubFlowRunner{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs?flow=deploy", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRunHandler_ListRepositoryFailure(t *testing.T) {
	app := newRunApp(&stubRunRepository{err: errors.New("db down")}, &stubFlowRunner{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestRunHandler_TriggerStartsFlow(t *testing.T) {
	flows := &stubFlowRunner{}
	app := newRunApp(&stubRunRepository{}, flows)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"flow":"grading","group":"stat201"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		calls := flows.recorded()
		return len(calls) == 1 && calls[0] == "grading:stat201"
	}, time.Second, 10*time.Millisecond)
}

func TestRunHandler_TriggerRequiresSectionForSectionFlows(t *testing.T) {
	flows := &stubFlowRunner{}
	app := newRunApp(&stubRunRepository{}, flows)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"flow":"autoext","group":"stat201"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, flows.recorded())
}
