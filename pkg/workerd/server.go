package workerd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/clusterrunner/pkg/client"
	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/workerrpc"
	"github.com/google/uuid"
)

const digestHeader = "Clusterrunner-Message-Authentication-Digest"
const sessionHeader = "Session-Id"

// Config holds the settings a Daemon is constructed with.
type Config struct {
	ManagerURL   string
	PublicURL    string
	NumExecutors int
	Secret       string
	WorkDir      string
}

// Daemon is the worker process: it registers itself with a manager,
// then answers the manager's setup/subjob/teardown/kill RPCs by
// running shell commands through an ExecutorPool and reporting
// completion back over the manager's HTTP API.
type Daemon struct {
	cfg       Config
	sessionID string
	secret    []byte
	pool      *ExecutorPool
	mgrClient *client.Client

	mu         sync.Mutex
	isAlive    bool
	isShutdown bool
	buildID    *int
	workerID   int

	mux *http.ServeMux
}

// New constructs a Daemon. Call Start to register with the manager and
// serve RPCs.
func New(cfg Config) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		secret:    []byte(cfg.Secret),
		pool:      NewExecutorPool(cfg.NumExecutors, cfg.WorkDir),
		mgrClient: client.NewClient(cfg.ManagerURL, cfg.Secret),
		isAlive:   true,
	}
	d.mux = http.NewServeMux()
	d.mux.HandleFunc("/v1", d.handleStatus)
	d.mux.HandleFunc("/v1/build/", d.handleBuild)
	d.mux.HandleFunc("/v1/kill", d.handleKill)
	return d
}

// Handler returns the composed HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.mux }

// Register announces this worker to the manager, passing its own
// session id (generated once at process startup) so the manager can
// detect a future restart of this same URL as a different instance.
// The manager-assigned id is remembered so later subjob-result reports
// can identify which worker they came from.
func (d *Daemon) Register(ctx context.Context) (int, error) {
	id, err := d.mgrClient.ConnectWorker(ctx, d.cfg.ManagerURL, d.cfg.NumExecutors, d.sessionID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.workerID = id
	d.mu.Unlock()
	return id, nil
}

// Run starts the HTTP listener on addr, blocking until ctx is
// canceled.
func (d *Daemon) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: d.mux, ReadTimeout: 10 * time.Second, WriteTimeout: 60 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleStatus answers GET /v1, the liveness probe the manager polls.
// A mismatched Session-Id means the manager is talking to a different
// process instance than the one it registered (this worker restarted);
// the source documents this as deliberately returning 412 rather than
// silently reporting alive.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get(sessionHeader); got != "" && got != d.sessionID {
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"error": "session id mismatch",
		})
		return
	}

	d.mu.Lock()
	alive := d.isAlive
	shutdown := d.isShutdown
	buildID := d.buildID
	d.mu.Unlock()

	worker := map[string]any{
		"is_alive":            alive,
		"is_in_shutdown_mode": shutdown,
		"session_id":          d.sessionID,
		"num_executors":       d.pool.Len(),
	}
	if buildID != nil {
		worker["current_build_id"] = *buildID
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": worker})
}

func (d *Daemon) verifyDigest(r *http.Request, body []byte) bool {
	return workerrpc.VerifyDigest(d.secret, body, r.Header.Get(digestHeader))
}

// handleBuild dispatches /v1/build/{id}/setup, /subjob/{sj}, /teardown.
func (d *Daemon) handleBuild(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/build/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) < 2 {
		http.Error(w, "malformed build path", http.StatusNotFound)
		return
	}
	buildID, err := strconv.Atoi(segments[0])
	if err != nil {
		http.Error(w, "build id must be an integer", http.StatusBadRequest)
		return
	}

	switch segments[1] {
	case "setup":
		d.handleSetup(w, r, buildID)
	case "subjob":
		if len(segments) < 3 {
			http.Error(w, "missing subjob id", http.StatusNotFound)
			return
		}
		subjobID, err := strconv.Atoi(segments[2])
		if err != nil {
			http.Error(w, "subjob id must be an integer", http.StatusBadRequest)
			return
		}
		d.handleSubjob(w, r, buildID, subjobID)
	case "teardown":
		d.handleTeardown(w, r, buildID)
	default:
		http.Error(w, "unknown build sub-resource", http.StatusNotFound)
	}
}

func (d *Daemon) handleSetup(w http.ResponseWriter, r *http.Request, buildID int) {
	body := readAll(r)
	if !d.verifyDigest(r, body) {
		http.Error(w, "invalid digest", http.StatusUnauthorized)
		return
	}

	d.mu.Lock()
	d.buildID = &buildID
	d.mu.Unlock()

	if err := os.MkdirAll(fmt.Sprintf("%s/build_%d", d.cfg.WorkDir, buildID), 0o755); err != nil {
		log.WithComponent("workerd").Error().Err(err).Msg("failed to create build work directory")
		http.Error(w, "setup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"details": "setup complete"})
}

// handleSubjob runs the subjob in the background against the next
// available executor and reports its result back to the manager once
// done. The RPC itself responds immediately (the manager's Worker
// dispatches it fire-and-forget); execution continues after the
// response is written.
func (d *Daemon) handleSubjob(w http.ResponseWriter, r *http.Request, buildID, subjobID int) {
	body := readAll(r)
	if !d.verifyDigest(r, body) {
		http.Error(w, "invalid digest", http.StatusUnauthorized)
		return
	}

	var req struct {
		AtomicCommands []string `json:"atomic_commands"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed subjob body", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"details": "subjob accepted"})

	atoms := make([]*core.Atom, len(req.AtomicCommands))
	for i, cmd := range req.AtomicCommands {
		atoms[i] = &core.Atom{ID: i, CommandString: cmd}
	}
	subjob := &core.Subjob{BuildID: buildID, SubjobID: subjobID, Atoms: atoms}

	go d.runAndReport(subjob)
}

func (d *Daemon) runAndReport(subjob *core.Subjob) {
	exec := d.pool.Acquire()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := exec.RunSubjob(ctx, subjob); err != nil {
		log.WithComponent("workerd").Error().Err(err).Msgf("subjob %d failed to execute", subjob.SubjobID)
		return
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reqCancel()
	if err := d.reportSubjobResult(reqCtx, subjob); err != nil {
		log.WithComponent("workerd").Error().Err(err).Msgf("failed to report subjob %d result to manager", subjob.SubjobID)
	}
}

func (d *Daemon) reportSubjobResult(ctx context.Context, subjob *core.Subjob) error {
	d.mu.Lock()
	workerID := d.workerID
	d.mu.Unlock()
	return d.mgrClient.ReportSubjobResult(ctx, subjob.BuildID, subjob.SubjobID, workerID, subjob.Atoms)
}

func (d *Daemon) handleTeardown(w http.ResponseWriter, r *http.Request, buildID int) {
	d.mu.Lock()
	d.buildID = nil
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"details": "teardown complete"})
}

// handleKill terminates the process. Unlike setup/subjob, kill is not
// digest-signed in the source (it carries no attacker-controlled
// payload), matching pkg/workerrpc.Transport.Kill.
func (d *Daemon) handleKill(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.isAlive = false
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"details": "shutting down"})
	go func() {
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()
}

func readAll(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, _ := io.ReadAll(r.Body)
	return body
}
