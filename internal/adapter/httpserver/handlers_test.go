package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/jobu/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobu/internal/app"
	"github.com/fairyhunter13/jobu/internal/config"
	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/store"
)

type testEnv struct {
	handler http.Handler
	st      *store.Store
	runner  *dbx.Runner
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := dbx.Open(context.Background(), dbx.Config{
		Name:   "default",
		Engine: dbx.EngineSQLite,
		DSN:    filepath.Join(t.TempDir(), "jobu.db"),
		Pool:   dbx.PoolConfig{PoolSize: 3, PoolTimeout: time.Second, MaxIdleTime: time.Minute},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New("default")
	runner := dbx.NewRunner(db)
	require.NoError(t, runner.Run(context.Background(), st.EnsureSchema))

	cfg := config.Config{
		AppEnv:          "test",
		MinCronInterval: time.Minute,
		RateLimitPerMin: 1000,
	}
	srv := httpserver.NewServer(cfg, runner, st, []*dbx.Database{db})
	return &testEnv{handler: app.BuildRouter(cfg, srv), st: st, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

const validCron = `{
	"name": "nightly-report",
	"cron_expression": "0 2 * * *",
	"handler_name": "sample",
	"handler_params": {"format": "csv"},
	"max_retry": 2,
	"timeout_seconds": 600
}`

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateCron(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodPost, "/crons", validCron)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "nightly-report", body["name"])
	assert.Equal(t, true, body["is_enabled"])
	assert.Equal(t, true, body["allow_overlap"])
	assert.Equal(t, float64(600), body["timeout_seconds"])
	assert.NotZero(t, body["id"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCreateCronDuplicate(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/crons", validCron).Code)

	rec := env.do(t, http.MethodPost, "/crons", validCron)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "CONFLICT", errObj["code"])
}

func TestCreateCronValidation(t *testing.T) {
	env := newEnv(t)
	cases := map[string]string{
		"missing name":    `{"cron_expression":"0 2 * * *","handler_name":"sample"}`,
		"bad expression":  `{"name":"x","cron_expression":"not a cron","handler_name":"sample"}`,
		"max_retry high":  `{"name":"x","cron_expression":"0 2 * * *","handler_name":"sample","max_retry":11}`,
		"timeout low":     `{"name":"x","cron_expression":"0 2 * * *","handler_name":"sample","timeout_seconds":10}`,
		"malformed json":  `{"name":`,
		"sub-minute cron": `{"name":"x","cron_expression":"* * * * * *","handler_name":"sample"}`,
	}
	for label, body := range cases {
		rec := env.do(t, http.MethodPost, "/crons", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s: %s", label, rec.Body.String())
	}
}

func TestGetCronNotFound(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/crons/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAndToggleCron(t *testing.T) {
	env := newEnv(t)
	created := decodeBody(t, env.do(t, http.MethodPost, "/crons", validCron))
	id := int64(created["id"].(float64))

	updated := strings.Replace(validCron, "nightly-report", "renamed", 1)
	rec := env.do(t, http.MethodPut, "/crons/"+itoa(id), updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "renamed", decodeBody(t, rec)["name"])

	rec = env.do(t, http.MethodPost, "/crons/"+itoa(id)+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["is_enabled"])
}

func TestDeleteCron(t *testing.T) {
	env := newEnv(t)
	created := decodeBody(t, env.do(t, http.MethodPost, "/crons", validCron))
	id := int64(created["id"].(float64))

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/crons/"+itoa(id), "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/crons/"+itoa(id), "").Code)
}

func TestListCronsPagedShape(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/crons", validCron).Code)

	rec := env.do(t, http.MethodGet, "/crons?page=1&size=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(10), body["size"])
	assert.Len(t, body["items"], 1)
}

func (e *testEnv) seedExecution(t *testing.T, cronID int64) int64 {
	t.Helper()
	require.NoError(t, e.runner.Run(context.Background(), func(ctx context.Context) error {
		_, err := e.st.CreateExecution(ctx, cronID, time.Now())
		return err
	}))
	var id int64
	require.NoError(t, e.runner.ReadOnly().Run(context.Background(), func(ctx context.Context) error {
		jobs, err := e.st.ListPendingExecutions(ctx, 1)
		if err != nil {
			return err
		}
		id = jobs[0].ID
		return nil
	}))
	return id
}

func TestJobsEndpoints(t *testing.T) {
	env := newEnv(t)
	created := decodeBody(t, env.do(t, http.MethodPost, "/crons", validCron))
	cronID := int64(created["id"].(float64))
	execID := env.seedExecution(t, cronID)

	rec := env.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = env.do(t, http.MethodGet, "/jobs/"+itoa(execID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", decodeBody(t, rec)["status"])

	// PENDING rows cannot be retried.
	rec = env.do(t, http.MethodPost, "/jobs/"+itoa(execID)+"/retry", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// Fail the row, then retry succeeds.
	require.NoError(t, env.runner.Run(context.Background(), func(ctx context.Context) error {
		if _, err := env.st.ClaimExecution(ctx, execID); err != nil {
			return err
		}
		return env.st.FailExecution(ctx, execID, "boom")
	}))
	rec = env.do(t, http.MethodPost, "/jobs/"+itoa(execID)+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(0), body["retry_count"])

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/jobs/"+itoa(execID), "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/"+itoa(execID), "").Code)
}

func TestJobsFilterValidation(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/jobs?status=BOGUS", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs?cron_id=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs?from_date=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Bare dates are accepted alongside full timestamps.
	rec = env.do(t, http.MethodGet, "/jobs?from_date=2026-08-01&to_date=2026-08-25+23:59:59", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndReadiness(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	pools := body["pools"].(map[string]any)
	assert.Contains(t, pools, "default")

	rec = env.do(t, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
