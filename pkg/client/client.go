package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/clusterrunner/pkg/core"
)

const apiVersion = "v1"
const defaultPollPeriod = 250 * time.Millisecond
const defaultRequestTimeout = 10 * time.Second

// Client is a thin wrapper around the manager's HTTP API, used by the
// CLI and by test harnesses that drive a build end to end. Every call
// applies its own request timeout rather than sharing one across the
// client's lifetime, so a single slow request cannot wedge unrelated
// calls.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs a Client against a manager's base API URL (e.g.
// "http://localhost:43000"). secret signs mutating requests with the
// same HMAC scheme the manager uses for worker RPCs.
func NewClient(baseURL, secret string) *Client {
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{},
	}
}

func (c *Client) url(segments ...any) string {
	url := fmt.Sprintf("%s/%s", c.baseURL, apiVersion)
	for _, seg := range segments {
		url = fmt.Sprintf("%s/%v", url, seg)
	}
	return url
}

func (c *Client) do(ctx context.Context, method, url string, body map[string]any, digest bool) (map[string]any, error) {
	var reader io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if digest {
		req.Header.Set("Clusterrunner-Message-Authentication-Digest", signBody(c.secret, raw))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("manager returned %d: %s", resp.StatusCode, string(respBody))
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

// PostNewBuild submits a new build with the given request parameters
// and returns the manager's response (including the assigned build id).
func (c *Client) PostNewBuild(ctx context.Context, requestParams map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, c.url("build"), requestParams, true)
}

// ReportSubjobResult is called by a worker process once it finishes
// running a subjob's atoms, reporting each atom's final state and its
// own worker id back to the manager that dispatched it, so the manager
// can re-enter that worker's dispatch loop for the next subjob.
func (c *Client) ReportSubjobResult(ctx context.Context, buildID, subjobID, workerID int, atoms []*core.Atom) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	_, err := c.do(ctx, http.MethodPost, c.url("build", buildID, "subjob", subjobID, "result"), map[string]any{
		"worker_id": workerID,
		"atoms":     atoms,
	}, true)
	return err
}

// CancelBuild requests cancellation of buildID.
func (c *Client) CancelBuild(ctx context.Context, buildID int) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPut, c.url("build", buildID), map[string]any{"status": "canceled"}, true)
}

// GetBuildStatus fetches the current status envelope for buildID.
func (c *Client) GetBuildStatus(ctx context.Context, buildID int) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	data, err := c.do(ctx, http.MethodGet, c.url("build", buildID), nil, false)
	if err != nil {
		return nil, err
	}
	if _, ok := data["build"]; !ok {
		return nil, &core.ClusterAPIValidationError{Reason: fmt.Sprintf("status response for build %d has no \"build\" object", buildID)}
	}
	return data, nil
}

// GetBuildArtifacts downloads the artifact archive for buildID.
func (c *Client) GetBuildArtifacts(ctx context.Context, buildID int) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("build", buildID, "artifacts.zip"), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

// GetWorkers returns the manager's current worker roster.
func (c *Client) GetWorkers(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, c.url("worker"), nil, false)
}

// ConnectWorker registers url as a worker with the manager, reporting
// sessionID (the worker process's own session identity, generated once
// at worker startup) and returns the assigned worker id.
func (c *Client) ConnectWorker(ctx context.Context, url string, numExecutors int, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	data, err := c.do(ctx, http.MethodPost, c.url("worker"), map[string]any{
		"worker":        url,
		"num_executors": numExecutors,
		"session_id":    sessionID,
	}, false)
	if err != nil {
		return 0, err
	}
	id, ok := data["worker_id"].(float64)
	if !ok {
		return 0, &core.ClusterAPIValidationError{Reason: "connect-worker response missing worker_id"}
	}
	return int(id), nil
}

// GetWorkerStatus fetches one worker's status envelope.
func (c *Client) GetWorkerStatus(ctx context.Context, workerID int) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	data, err := c.do(ctx, http.MethodGet, c.url("worker", workerID), nil, false)
	if err != nil {
		return nil, err
	}
	worker, ok := data["worker"].(map[string]any)
	if !ok {
		return nil, &core.ClusterAPIValidationError{Reason: fmt.Sprintf("status response for worker %d has no \"worker\" object", workerID)}
	}
	return worker, nil
}

// GetConsoleOutput fetches a window of console output for one atom.
func (c *Client) GetConsoleOutput(ctx context.Context, buildID, subjobID, atomID, maxLines, offsetLine int) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	url := fmt.Sprintf("%s?max_lines=%d&offset_line=%d", c.url("build", buildID, "subjob", subjobID, "atom", atomID, "console"), maxLines, offsetLine)
	return c.do(ctx, http.MethodGet, url, nil, false)
}

// GracefulShutdownWorkersByID requests shutdown of the given workers.
func (c *Client) GracefulShutdownWorkersByID(ctx context.Context, workerIDs []int) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	_, err := c.do(ctx, http.MethodPost, c.url("worker", "shutdown"), map[string]any{"workers": workerIDs}, true)
	return err
}

// GracefulShutdownAllWorkers requests shutdown of every connected worker.
func (c *Client) GracefulShutdownAllWorkers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	_, err := c.do(ctx, http.MethodPost, c.url("worker", "shutdown"), map[string]any{"shutdown_all": true}, true)
	return err
}

// BuildInProgressCallback is invoked with the current build status
// payload on each poll while waiting for a terminal status.
type BuildInProgressCallback func(buildData map[string]any)

// BlockUntilBuildHasStatus polls GetBuildStatus until the build's status
// matches one of wantStatuses or timeout elapses, returning whether a
// matching status was observed.
func (c *Client) BlockUntilBuildHasStatus(ctx context.Context, buildID int, wantStatuses []string, timeout time.Duration, onProgress BuildInProgressCallback) (bool, error) {
	return waitFor(ctx, timeout, func() (bool, error) {
		data, err := c.GetBuildStatus(ctx, buildID)
		if err != nil {
			return false, err
		}
		buildData, _ := data["build"].(map[string]any)
		status, _ := buildData["status"].(string)
		for _, want := range wantStatuses {
			if status == want {
				return true, nil
			}
		}
		if onProgress != nil {
			onProgress(buildData)
		}
		return false, nil
	})
}

// BlockUntilBuildStarted waits for the build to reach BUILDING or a
// terminal status (FINISHED, ERROR, CANCELED).
func (c *Client) BlockUntilBuildStarted(ctx context.Context, buildID int, timeout time.Duration, onProgress BuildInProgressCallback) (bool, error) {
	return c.BlockUntilBuildHasStatus(ctx, buildID,
		[]string{"BUILDING", "FINISHED", "ERROR", "CANCELED"}, timeout, onProgress)
}

// BlockUntilBuildFinished waits for the build to reach a terminal status.
func (c *Client) BlockUntilBuildFinished(ctx context.Context, buildID int, timeout time.Duration, onProgress BuildInProgressCallback) (bool, error) {
	return c.BlockUntilBuildHasStatus(ctx, buildID,
		[]string{"FINISHED", "ERROR", "CANCELED"}, timeout, onProgress)
}

// waitFor polls predicate every defaultPollPeriod until it returns true,
// returns an error, or timeout elapses. A zero timeout means no
// deadline.
func waitFor(ctx context.Context, timeout time.Duration, predicate func() (bool, error)) (bool, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := predicate()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(defaultPollPeriod):
		}
	}
}
