package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-secret"), srv
}

func TestNewClientNormalizesBaseURL(t *testing.T) {
	c := NewClient("localhost:43000/", "s")
	assert.Equal(t, "http://localhost:43000", c.baseURL)

	c2 := NewClient("https://example.com", "s")
	assert.Equal(t, "https://example.com", c2.baseURL)
}

func TestPostNewBuildSendsDigestAndBody(t *testing.T) {
	var gotDigest string
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build", r.URL.Path)
		gotDigest = r.Header.Get("Clusterrunner-Message-Authentication-Digest")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"build_id": 1})
	})

	resp, err := c.PostNewBuild(t.Context(), map[string]any{"url": "git://repo"})
	require.NoError(t, err)
	assert.NotEmpty(t, gotDigest)
	assert.Equal(t, "git://repo", gotBody["url"])
	assert.Equal(t, float64(1), resp["build_id"])
}

func TestReportSubjobResultPostsAtoms(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build/7/subjob/3/result", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	})

	err := c.ReportSubjobResult(t.Context(), 7, 3, 9, []*core.Atom{{ID: 0, State: core.AtomCompleted}})
	require.NoError(t, err)
	assert.Equal(t, float64(9), gotBody["worker_id"])
}

func TestCancelBuildSendsPut(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "canceled", body["status"])
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	_, err := c.CancelBuild(t.Context(), 5)
	require.NoError(t, err)
}

func TestGetBuildStatusReturnsEnvelope(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"build": map[string]any{"status": "QUEUED"}})
	})

	data, err := c.GetBuildStatus(t.Context(), 1)
	require.NoError(t, err)
	build := data["build"].(map[string]any)
	assert.Equal(t, "QUEUED", build["status"])
}

func TestGetBuildStatusRejectsMissingBuildObject(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"unexpected": true})
	})

	_, err := c.GetBuildStatus(t.Context(), 1)
	require.Error(t, err)
	var validationErr *core.ClusterAPIValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestGetBuildArtifactsReturnsBodyAndStatus(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build/9/artifacts.zip", r.URL.Path)
		w.Write([]byte("zip-bytes"))
	})

	body, status, err := c.GetBuildArtifacts(t.Context(), 9)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "zip-bytes", string(body))
}

func TestGetWorkersReturnsRoster(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/worker", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"workers": []any{}})
	})

	data, err := c.GetWorkers(t.Context())
	require.NoError(t, err)
	assert.Contains(t, data, "workers")
}

func TestConnectWorkerReturnsAssignedID(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"worker_id": 3})
	})

	id, err := c.ConnectWorker(t.Context(), "http://worker1:43001", 4, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	assert.Equal(t, "http://worker1:43001", gotBody["worker"])
	assert.Equal(t, float64(4), gotBody["num_executors"])
	assert.Equal(t, "sess-1", gotBody["session_id"])
}

func TestConnectWorkerRejectsMissingWorkerID(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	_, err := c.ConnectWorker(t.Context(), "http://worker1", 1, "s")
	require.Error(t, err)
}

func TestGetWorkerStatusUnwrapsWorkerObject(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"worker": map[string]any{"id": 2}})
	})

	worker, err := c.GetWorkerStatus(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, float64(2), worker["id"])
}

func TestGetConsoleOutputEncodesQueryParams(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build/1/subjob/2/atom/3/console", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("max_lines"))
		assert.Equal(t, "10", r.URL.Query().Get("offset_line"))
		json.NewEncoder(w).Encode(map[string]any{"content": "output"})
	})

	data, err := c.GetConsoleOutput(t.Context(), 1, 2, 3, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, "output", data["content"])
}

func TestGracefulShutdownWorkersByIDSendsIDs(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	err := c.GracefulShutdownWorkersByID(t.Context(), []int{1, 2})
	require.NoError(t, err)
	ids, ok := gotBody["workers"].([]any)
	require.True(t, ok)
	assert.Len(t, ids, 2)
}

func TestGracefulShutdownAllWorkersSendsFlag(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	err := c.GracefulShutdownAllWorkers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, true, gotBody["shutdown_all"])
}

func TestDoReturnsErrorOnNon2xxStatus(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.GetWorkers(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestBlockUntilBuildHasStatusReturnsOnMatch(t *testing.T) {
	calls := 0
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "PREPARING"
		if calls >= 2 {
			status = "BUILDING"
		}
		json.NewEncoder(w).Encode(map[string]any{"build": map[string]any{"status": status}})
	})

	var progressed []string
	ok, err := c.BlockUntilBuildStarted(t.Context(), 1, time.Second, func(data map[string]any) {
		status, _ := data["status"].(string)
		progressed = append(progressed, status)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, progressed, "PREPARING")
}

func TestBlockUntilBuildHasStatusTimesOut(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"build": map[string]any{"status": "QUEUED"}})
	})

	ok, err := c.BlockUntilBuildFinished(t.Context(), 1, 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
