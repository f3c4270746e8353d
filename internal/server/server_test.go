package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coxswain-dev/coxswain/internal/broadcast"
	"github.com/coxswain-dev/coxswain/internal/session"
	"github.com/coxswain-dev/coxswain/internal/supervisor"
)

type fakeRuns struct {
	startReq supervisor.StartRequest
	startRec *session.Record
	startErr error
	stopped  bool
	stopErr  error
	status   supervisor.Status
}

func (f *fakeRuns) Start(req supervisor.StartRequest) (*session.Record, error) {
	f.startReq = req
	return f.startRec, f.startErr
}

func (f *fakeRuns) Stop() error {
	f.stopped = true
	return f.stopErr
}

func (f *fakeRuns) CurrentStatus() supervisor.Status { return f.status }

type fakeSessions struct {
	records []session.Record
}

func (f *fakeSessions) ListAll() []session.Record {
	return append([]session.Record(nil), f.records...)
}

func newTestServer(t *testing.T, runs *fakeRuns, sessions *fakeSessions, bus *broadcast.Broadcaster) *Server {
	t.Helper()
	if bus == nil {
		bus = broadcast.New()
	}
	srv, err := New(Config{ListenAddr: "127.0.0.1:0"}, runs, sessions, bus, log.New(io.Discard))
	require.NoError(t, err)
	return srv
}

func TestStartRunReturnsCreatedRecord(t *testing.T) {
	t.Parallel()

	record := &session.Record{ID: "run-1", Goal: "ship it", Status: session.StatusRunning}
	runs := &fakeRuns{startRec: record}
	srv := newTestServer(t, runs, &fakeSessions{}, nil)

	body := `{"goal":"ship it","workdir":"proj","maxIterations":3,"createIfMissing":true}`
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "ship it", runs.startReq.Goal)
	assert.Equal(t, "proj", runs.startReq.Workdir)
	assert.Equal(t, 3, runs.startReq.MaxIterations)
	assert.True(t, runs.startReq.CreateIfMissing)

	var got session.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.ID)
}

func TestStartRunErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"already running", supervisor.ErrAlreadyRunning, http.StatusConflict},
		{"workdir busy", supervisor.ErrWorkdirBusy, http.StatusConflict},
		{"workdir missing", supervisor.ErrWorkdirNotFound, http.StatusBadRequest},
		{"validation", assert.AnError, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakeRuns{startErr: tc.err}, &fakeSessions{}, nil)

			resp := httptest.NewRecorder()
			srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"goal":"g"}`)))

			assert.Equal(t, tc.wantStatus, resp.Code)
			assert.Contains(t, resp.Body.String(), "error")
		})
	}
}

func TestStartRunRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRuns{}, &fakeSessions{}, nil)
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStopRun(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{}
	srv := newTestServer(t, runs, &fakeSessions{}, nil)

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/runs/stop", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, runs.stopped)
}

func TestStatusReflectsSupervisor(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{status: supervisor.Status{
		Running: true,
		Session: &session.Record{ID: "run-9", Status: session.StatusRunning, ThreadID: "t-1"},
	}}
	srv := newTestServer(t, runs, &fakeSessions{}, nil)

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var got supervisor.Status
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.True(t, got.Running)
	require.NotNil(t, got.Session)
	assert.Equal(t, "t-1", got.Session.ThreadID)
}

func TestSessionsListedNewestFirst(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{records: []session.Record{
		{ID: "first"}, {ID: "second"}, {ID: "third"},
	}}
	srv := newTestServer(t, &fakeRuns{}, sessions, nil)

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var got []session.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "third", got[0].ID)
	assert.Equal(t, "first", got[2].ID)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRuns{}, &fakeSessions{}, nil)
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestDashboardServedAtRoot(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRuns{}, &fakeSessions{}, nil)
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "coxswain")
	assert.Contains(t, resp.Body.String(), "/api/logs/stream")
}

func TestLogStreamReplaysBacklogThenLive(t *testing.T) {
	t.Parallel()

	bus := broadcast.New()
	bus.Publish(broadcast.Line{Text: "backlog-1"})
	bus.Publish(broadcast.Line{Text: "backlog-2", Stderr: true})

	srv := newTestServer(t, &fakeRuns{}, &fakeSessions{}, bus)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() broadcast.Line {
		t.Helper()
		for {
			raw, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			raw = bytes.TrimSpace(raw)
			if !bytes.HasPrefix(raw, []byte("data: ")) {
				continue
			}
			var line broadcast.Line
			require.NoError(t, json.Unmarshal(bytes.TrimPrefix(raw, []byte("data: ")), &line))
			return line
		}
	}

	first := readEvent()
	assert.Equal(t, "backlog-1", first.Text)
	second := readEvent()
	assert.Equal(t, "backlog-2", second.Text)
	assert.True(t, second.Stderr)

	bus.Publish(broadcast.Line{Text: "live-1"})
	assert.Equal(t, "live-1", readEvent().Text)
}
