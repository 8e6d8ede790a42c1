package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/judge"
)

type MockRunner struct {
	submitResult *judge.ExecutionResult
	submitError  error
	lastRequest  judge.SubmitRequest

	enqueued   *judge.JobView
	enqueueErr error

	view      *judge.JobView
	lookupErr error

	list      []judge.JobView
	listErr   error
	listLimit int

	cancelErr error
	cancelled []string
	inFlight  int
}

func (m *MockRunner) Submit(_ context.Context, req judge.SubmitRequest) (*judge.ExecutionResult, error) {
	m.lastRequest = req
	return m.submitResult, m.submitError
}

func (m *MockRunner) Enqueue(req judge.SubmitRequest) (*judge.JobView, error) {
	m.lastRequest = req
	return m.enqueued, m.enqueueErr
}

func (m *MockRunner) List(_ context.Context, limit int) ([]judge.JobView, error) {
	m.listLimit = limit
	return m.list, m.listErr
}

func (m *MockRunner) Lookup(context.Context, string) (*judge.JobView, error) {
	return m.view, m.lookupErr
}

func (m *MockRunner) Cancel(id string) error {
	m.cancelled = append(m.cancelled, id)
	return m.cancelErr
}

func (m *MockRunner) InFlight() int {
	return m.inFlight
}

func newTestServer(t *testing.T, runner *MockRunner) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Transport: "rest", HTTPPort: 0},
		Sandbox: config.SandboxConfig{MaxTimeoutSec: 60, CleanupTimeoutSec: 10},
	}
	ts := httptest.NewServer(New(cfg, zaptest.NewLogger(t), runner).Handler())
	t.Cleanup(ts.Close)
	return ts
}

const submitBody = `{
	"language": "java",
	"problem": {
		"parameterTypes": ["int"],
		"resultType": "int",
		"testCases": [{"parameters": [1], "result": 2}]
	},
	"source": "class Solution {}"
}`

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmit(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		runner := &MockRunner{submitResult: &judge.ExecutionResult{JobID: "job-1", Status: judge.StatusCompleted}}
		ts := newTestServer(t, runner)

		resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var res judge.ExecutionResult
		decodeBody(t, resp, &res)
		assert.Equal(t, "job-1", res.JobID)
		assert.Equal(t, judge.StatusCompleted, res.Status)

		assert.Equal(t, "java", runner.lastRequest.Language)
		assert.Equal(t, "class Solution {}", runner.lastRequest.Source)
		assert.Len(t, runner.lastRequest.Problem.TestCases, 1)
	})

	t.Run("TimedOutIsStillOK", func(t *testing.T) {
		runner := &MockRunner{
			submitResult: &judge.ExecutionResult{JobID: "job-2", Status: judge.StatusTimedOut, ErrorKind: judge.KindTimeout},
			submitError:  &judge.JobError{Kind: judge.KindTimeout, Op: "await", Err: context.DeadlineExceeded},
		}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var res judge.ExecutionResult
		decodeBody(t, resp, &res)
		assert.Equal(t, judge.StatusTimedOut, res.Status)
	})

	t.Run("SandboxUnavailable", func(t *testing.T) {
		runner := &MockRunner{
			submitResult: &judge.ExecutionResult{JobID: "job-3", Status: judge.StatusFailed, ErrorKind: judge.KindSandboxCreate},
			submitError:  &judge.JobError{Kind: judge.KindSandboxCreate, Op: "preflight", Err: errors.New("image missing")},
		}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		runner := &MockRunner{}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body ErrorResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, "invalid_request", body.Error)
	})

	t.Run("RejectedRequests", func(t *testing.T) {
		tests := []struct {
			err  error
			code string
		}{
			{fmt.Errorf("%w: source is required", judge.ErrInvalidRequest), "invalid_request"},
			{fmt.Errorf("%w: cobol", judge.ErrUnknownLanguage), "unknown_language"},
		}
		for _, tt := range tests {
			runner := &MockRunner{submitError: tt.err}
			resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs", "application/json", strings.NewReader(submitBody))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body ErrorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.err.Error(), body.Message)
		}
	})

	t.Run("NoWaitReturnsPendingJob", func(t *testing.T) {
		runner := &MockRunner{enqueued: &judge.JobView{ID: "job-4", Language: "java", Status: judge.StatusPending}}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs?wait=false", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "/api/jobs/job-4", resp.Header.Get("Location"))

		var view judge.JobView
		decodeBody(t, resp, &view)
		assert.Equal(t, "job-4", view.ID)
		assert.Equal(t, judge.StatusPending, view.Status)
		assert.Equal(t, "class Solution {}", runner.lastRequest.Source)
	})

	t.Run("NoWaitRejectedRequest", func(t *testing.T) {
		runner := &MockRunner{enqueueErr: fmt.Errorf("%w: cobol", judge.ErrUnknownLanguage)}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs?wait=false", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InvalidWaitParameter", func(t *testing.T) {
		resp, err := http.Post(newTestServer(t, &MockRunner{}).URL+"/api/jobs?wait=maybe", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnexpectedError", func(t *testing.T) {
		runner := &MockRunner{submitError: errors.New("boom")}
		resp, err := http.Post(newTestServer(t, runner).URL+"/api/jobs", "application/json", strings.NewReader(submitBody))
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		var body ErrorResponse
		decodeBody(t, resp, &body)
		assert.NotContains(t, body.Message, "boom")
	})
}

func TestGetJob(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		runner := &MockRunner{view: &judge.JobView{ID: "job-1", Language: "java", Status: judge.StatusRunning}}
		resp, err := http.Get(newTestServer(t, runner).URL + "/api/jobs/job-1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var view judge.JobView
		decodeBody(t, resp, &view)
		assert.Equal(t, "job-1", view.ID)
		assert.Equal(t, judge.StatusRunning, view.Status)
	})

	t.Run("NotFound", func(t *testing.T) {
		runner := &MockRunner{lookupErr: fmt.Errorf("%w: job-9", judge.ErrJobNotFound)}
		resp, err := http.Get(newTestServer(t, runner).URL + "/api/jobs/job-9")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestListJobs(t *testing.T) {
	t.Run("DefaultLimit", func(t *testing.T) {
		runner := &MockRunner{list: []judge.JobView{
			{ID: "job-2", Status: judge.StatusRunning},
			{ID: "job-1", Status: judge.StatusCompleted},
		}}
		resp, err := http.Get(newTestServer(t, runner).URL + "/api/jobs")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var views []judge.JobView
		decodeBody(t, resp, &views)
		require.Len(t, views, 2)
		assert.Equal(t, "job-2", views[0].ID)
		assert.Equal(t, defaultListLimit, runner.listLimit)
	})

	t.Run("ExplicitLimit", func(t *testing.T) {
		runner := &MockRunner{list: []judge.JobView{}}
		resp, err := http.Get(newTestServer(t, runner).URL + "/api/jobs?limit=5")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 5, runner.listLimit)
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		for _, limit := range []string{"0", "-1", "abc", "100000"} {
			resp, err := http.Get(newTestServer(t, &MockRunner{}).URL + "/api/jobs?limit=" + limit)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, limit)
		}
	})

	t.Run("ArchiveFailure", func(t *testing.T) {
		runner := &MockRunner{listErr: errors.New("database is locked")}
		resp, err := http.Get(newTestServer(t, runner).URL + "/api/jobs")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestCancelJob(t *testing.T) {
	runner := &MockRunner{}
	ts := newTestServer(t, runner)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"job-1"}, runner.cancelled)

	runner.cancelErr = judge.ErrJobNotFound
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/job-2", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	runner := &MockRunner{inFlight: 3}
	resp, err := http.Get(newTestServer(t, runner).URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["in_flight"])
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := chimiddleware.RequestID(requestLogger(zap.New(core))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}),
	))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set(chimiddleware.RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc-123", fields["request_id"])
	assert.Equal(t, "/brew", fields["path"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(len("short and stout")), fields["bytes"])

	t.Run("ImplicitOK", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		handler := requestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, 1, logs.Len())
		assert.Equal(t, int64(http.StatusOK), logs.All()[0].ContextMap()["status"])
	})
}
