package master

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mini-sort/internal/common"
	"mini-sort/internal/metrics"
	"mini-sort/internal/storage"
)

func newTestServer(t *testing.T) (*StatusServer, *common.JobStatus) {
	t.Helper()
	fs := afero.NewMemMapFs()
	req := baseRequest("/job", writeLines(t, fs, "/data/in.txt", "2", "1"))
	c := newCoordinator(fs)
	st, err := c.Run(context.Background(), req)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.RegisterMetrics(reg)
	return NewStatusServer(c.Store(), reg), st
}

func TestHandleListJobs(t *testing.T) {
	s, st := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var jobs []common.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, st.JobID, jobs[0].JobID)
	require.Equal(t, common.JobStateCompleted, jobs[0].State)
}

func TestHandleGetJob(t *testing.T) {
	s, st := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+st.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got common.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, st.Counters, got.Counters)
	require.Equal(t, st.Attempt, got.Attempt)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "job nope not found")
}

func TestMetricsAndHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "minisort_job_finished_total")

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := NewStatusServer(storage.NewJobStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, "127.0.0.1:0", ready)
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/jobs", addr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "[]", string(body))

	cancel()
	require.NoError(t, <-done)
}
