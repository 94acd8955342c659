package workerrpc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/clusterrunner/pkg/log"
)

const digestHeader = "Clusterrunner-Message-Authentication-Digest"
const sessionHeader = "Session-Id"
const apiVersion = "v1"

// Transport implements core.WorkerTransport over plain HTTP, signing
// setup and subjob-start request bodies with an HMAC-SHA512 digest of a
// shared secret the manager and every worker are configured with out of
// band; teardown and kill requests are sent unsigned.
type Transport struct {
	httpClient *http.Client
	secret     []byte
	sessionID  string
}

// NewTransport constructs a Transport. secret is the shared digest key;
// sessionID is sent on liveness probes so a worker that has restarted
// (and generated a new session id) is detected as a different instance.
func NewTransport(secret, sessionID string) *Transport {
	return &Transport{
		httpClient: &http.Client{},
		secret:     []byte(secret),
		sessionID:  sessionID,
	}
}

func (t *Transport) digest(body []byte) string {
	mac := hmac.New(sha512.New, t.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *Transport) postWithDigest(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(digestHeader, t.digest(body))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (t *Transport) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildURL(base string, segments ...any) string {
	url := fmt.Sprintf("%s/%s", base, apiVersion)
	for _, seg := range segments {
		url = fmt.Sprintf("%s/%v", url, seg)
	}
	return url
}

// Setup POSTs the per-build setup command to the worker.
func (t *Transport) Setup(ctx context.Context, url string, buildID int, body map[string]any) error {
	return t.postWithDigest(ctx, buildURL(url, "build", buildID, "setup"), body)
}

// StartSubjob POSTs one subjob's atomic commands to the worker.
func (t *Transport) StartSubjob(ctx context.Context, url string, buildID, subjobID int, body map[string]any) error {
	return t.postWithDigest(ctx, buildURL(url, "build", buildID, "subjob", subjobID), body)
}

// Teardown POSTs the build teardown request. Unlike Setup and
// StartSubjob it is not digest-signed in the source, since it carries
// no attacker-controlled payload beyond the build id already embedded
// in the URL.
func (t *Transport) Teardown(ctx context.Context, url string, buildID int) error {
	return t.post(ctx, buildURL(url, "build", buildID, "teardown"))
}

// Kill POSTs the worker shutdown request.
func (t *Transport) Kill(ctx context.Context, url string) error {
	return t.post(ctx, buildURL(url, "kill"))
}

type workerStatusEnvelope struct {
	Worker struct {
		IsAlive bool `json:"is_alive"`
	} `json:"worker"`
}

// Probe performs an uncached GET against the worker's root endpoint and
// reports the is_alive value it returns. A session id mismatch is
// treated as a transport-level failure: the worker is still running,
// but not the instance this manager registered.
func (t *Transport) Probe(ctx context.Context, url string, sessionID string) (bool, error) {
	reqURL := fmt.Sprintf("%s/%s", url, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set(sessionHeader, sessionID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		log.WithComponent("workerrpc").Debug().Err(err).Msgf("probe of %s failed", url)
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("worker %s returned status %d on probe", url, resp.StatusCode)
	}

	var envelope workerStatusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, fmt.Errorf("decode probe response from %s: %w", url, err)
	}
	return envelope.Worker.IsAlive, nil
}

// VerifyDigest checks whether digest is the correct HMAC-SHA512 of body
// under secret, in constant time. Used by the worker-side HTTP handlers
// (out of scope for this package, which is manager-side only) and by
// tests that exercise the signing scheme end to end.
func VerifyDigest(secret, body []byte, digest string) bool {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}

// DefaultTimeout is the per-RPC timeout callers should apply with
// context.WithTimeout; individual calls (e.g. StartSubjob's
// fire-and-forget dispatch) may override it.
const DefaultTimeout = 10 * time.Second
