package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr, err := manager.New(manager.Config{Secret: testSecret})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	srv := httptest.NewServer(NewServer(mgr).Handler())
	t.Cleanup(srv.Close)
	return srv, mgr
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(digestHeader, sign(body))
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, apiVersion, body["api_version"])

	resp2, err := http.Get(srv.URL + "/v1/version")
	require.NoError(t, err)
	body2 := decodeBody(t, resp2)
	assert.Equal(t, "1", body2["api_version"])
}

func TestHealthReadyLiveEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}

func TestPostBuildRequiresDigest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/build", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPostBuildCreatesBuild(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"url":"git://repo"}`)
	req := signedRequest(t, http.MethodPost, srv.URL+"/build", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeBody(t, resp)
	assert.NotNil(t, got["build_id"])
}

func TestGetBuildStatus(t *testing.T) {
	srv, mgr := newTestServer(t)
	b := mgr.SubmitBuild(map[string]string{"url": "git://repo"})

	resp, err := http.Get(srv.URL + "/build/" + strconv.Itoa(b.ID()))
	require.NoError(t, err)
	got := decodeBody(t, resp)
	build := got["build"].(map[string]any)
	assert.Equal(t, float64(b.ID()), build["build_id"])
}

func TestGetBuildStatusMissing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/build/999999")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelBuildRequiresDigest(t *testing.T) {
	srv, mgr := newTestServer(t)
	b := mgr.SubmitBuild(map[string]string{})

	body := []byte(`{"status":"canceled"}`)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/build/"+strconv.Itoa(b.ID()), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelBuildMarksCanceled(t *testing.T) {
	srv, mgr := newTestServer(t)
	b := mgr.SubmitBuild(map[string]string{})

	body := []byte(`{"status":"canceled"}`)
	req := signedRequest(t, http.MethodPut, srv.URL+"/build/"+strconv.Itoa(b.ID()), body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StateCanceled, b.Status())
}

func TestRegisterWorker(t *testing.T) {
	srv, mgr := newTestServer(t)

	body := []byte(`{"worker":"http://w1:43001","num_executors":2,"session_id":"s1"}`)
	resp, err := http.Post(srv.URL+"/worker", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decodeBody(t, resp)
	require.NotNil(t, got["worker_id"])

	workers := mgr.Workers()
	assert.Len(t, workers, 1)
}

func TestRegisterWorkerRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/worker", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListWorkers(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.RegisterWorker(t.Context(), "http://w1:43001", 1, "s1")

	resp, err := http.Get(srv.URL + "/worker")
	require.NoError(t, err)
	got := decodeBody(t, resp)
	workers := got["workers"].([]any)
	assert.Len(t, workers, 1)
}

func TestGetWorkerStatus(t *testing.T) {
	srv, mgr := newTestServer(t)
	w := mgr.RegisterWorker(t.Context(), "http://w1:43001", 1, "s1")

	resp, err := http.Get(srv.URL + "/worker/" + strconv.Itoa(w.ID()))
	require.NoError(t, err)
	got := decodeBody(t, resp)
	worker := got["worker"].(map[string]any)
	assert.Equal(t, float64(w.ID()), worker["id"])
}

func TestWorkerShutdownRequiresDigest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/worker/shutdown", "application/json", bytes.NewReader([]byte(`{"shutdown_all":true}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerShutdownAll(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.RegisterWorker(t.Context(), "http://w1:43001", 1, "s1")

	body := []byte(`{"shutdown_all":true}`)
	req := signedRequest(t, http.MethodPost, srv.URL+"/worker/shutdown", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/queue")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubjobResultRecordsAndRequiresDigest(t *testing.T) {
	srv, mgr := newTestServer(t)
	// SubmitBuild's atomizer integration point already prepares an
	// unconfigured build with a single no-op subjob (id 0, atom 0).
	b := mgr.SubmitBuild(map[string]string{})

	body := []byte(`{"worker_id":0,"atoms":[{"id":0,"exit_code":0,"state":"COMPLETED"}]}`)
	url := srv.URL + "/build/" + strconv.Itoa(b.ID()) + "/subjob/0/result"

	unsigned, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode)

	req := signedRequest(t, http.MethodPost, url, body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConsoleOutputWindowsLines(t *testing.T) {
	srv, mgr := newTestServer(t)
	b := mgr.SubmitBuild(map[string]string{})
	atom, ok := b.Subjob(0)
	require.True(t, ok)
	atom.Atoms[0].Output = "line0\nline1\nline2"

	url := srv.URL + "/build/" + strconv.Itoa(b.ID()) + "/subjob/0/atom/0/console?max_lines=1&offset_line=1"
	resp, err := http.Get(url)
	require.NoError(t, err)
	got := decodeBody(t, resp)
	assert.Equal(t, "line1", got["content"])
}

