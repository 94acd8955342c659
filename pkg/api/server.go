package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/events"
	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/manager"
	"github.com/cuemby/clusterrunner/pkg/metrics"
	"github.com/cuemby/clusterrunner/pkg/workerrpc"
)

const digestHeader = "Clusterrunner-Message-Authentication-Digest"
const legacyPrefix = "/v1"
const apiVersion = "1"

// Server is the manager's HTTP/JSON API: build submission and status,
// worker registration and shutdown, and artifact/console retrieval.
// Every mutating route except worker registration (POST /worker)
// requires an HMAC-SHA512 digest of the request body, checked in
// constant time against the manager's shared secret; registration is
// accepted unsigned.
type Server struct {
	mgr *manager.Manager
	mux *http.ServeMux
}

// NewServer builds the route table against mgr.
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{mgr: mgr, mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", metrics.HealthHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	s.mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/v1/version", s.version)
	s.mux.HandleFunc("/version", s.version)

	s.handle("/build", s.handleBuildCollection)
	s.handle("/build/", s.handleBuildItem)
	s.handle("/worker", s.handleWorkerCollection)
	s.handle("/worker/", s.handleWorkerItem)
	s.handle("/queue", s.handleQueue)
	s.handle("/events", s.handleEvents)

	return s
}

// handle registers fn under both the bare and /v1-prefixed path, since
// the legacy prefix is a routing alias rather than a distinct version
// (see versionFor).
func (s *Server) handle(path string, fn http.HandlerFunc) {
	wrapped := s.instrument(path, fn)
	s.mux.HandleFunc(path, wrapped)
	s.mux.HandleFunc(legacyPrefix+path, wrapped)
}

// instrument records request counts/durations and logs the resolved
// protocol version before delegating to fn.
func (s *Server) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, route)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Handler returns the composed HTTP handler, for embedding in an
// http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// versionFor reports the protocol version a request is speaking:
// legacy clients hit the /v1/... prefix explicitly, everyone else gets
// the current version regardless of what their Accept header asks for
// (there is only one non-legacy version today).
func versionFor(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, legacyPrefix+"/") {
		return "1"
	}
	return apiVersion
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// requireDigest verifies the HMAC-SHA512 digest header against the raw
// request body and the manager's shared secret, in constant time. It
// returns the body bytes on success so handlers can still decode JSON
// from them.
func (s *Server) requireDigest(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	digest := r.Header.Get(digestHeader)
	if !workerrpc.VerifyDigest([]byte(s.mgr.Secret()), body, digest) {
		return nil, errInvalidDigest
	}
	return body, nil
}

var errInvalidDigest = &core.ClusterAPIValidationError{Reason: "missing or invalid message authentication digest"}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"api_version": versionFor(r)})
}

// handleBuildCollection serves POST /build.
func (s *Server) handleBuildCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is allowed on /build")
		return
	}

	body, err := s.requireDigest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var params map[string]string
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, http.StatusBadRequest, "malformed build request: "+err.Error())
			return
		}
	}

	build := s.mgr.SubmitBuild(params)
	writeJSON(w, http.StatusCreated, map[string]any{"build_id": build.ID()})
}

// handleBuildItem dispatches GET/PUT /build/{id} and the
// artifacts.zip/console sub-paths.
func (s *Server) handleBuildItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, legacyPrefix), "/build/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "missing build id")
		return
	}

	buildID, err := strconv.Atoi(segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "build id must be an integer")
		return
	}
	build, ok := s.mgr.Build(buildID)
	if !ok {
		writeError(w, http.StatusNotFound, (&core.ItemNotFoundError{Kind: "build", ID: buildID}).Error())
		return
	}

	switch {
	case len(segments) == 1:
		s.handleBuildStatusOrCancel(w, r, build)
	case len(segments) == 2 && segments[1] == "artifacts.zip":
		s.handleBuildArtifacts(w, r, build)
	case len(segments) >= 5 && segments[1] == "subjob" && segments[3] == "atom":
		s.handleConsoleOutput(w, r, build, segments)
	case len(segments) == 4 && segments[1] == "subjob" && segments[3] == "result":
		s.handleSubjobResult(w, r, build, segments[2])
	default:
		writeError(w, http.StatusNotFound, "unknown build sub-resource")
	}
}

func (s *Server) handleBuildStatusOrCancel(w http.ResponseWriter, r *http.Request, build *core.Build) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"build": build.APIRepresentation()})
	case http.MethodPut:
		body, err := s.requireDigest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed cancel request: "+err.Error())
			return
		}
		if req.Status != "canceled" {
			writeError(w, http.StatusBadRequest, "only status=canceled is supported")
			return
		}
		build.Cancel()
		writeJSON(w, http.StatusOK, map[string]any{"build": build.APIRepresentation()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "only GET and PUT are allowed")
	}
}

func (s *Server) handleBuildArtifacts(w http.ResponseWriter, r *http.Request, build *core.Build) {
	artifact := build.Artifact()
	if artifact == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"details": "artifacts not ready yet"})
		return
	}
	http.ServeFile(w, r, artifact.BuildArtifactDir+".zip")
}

func (s *Server) handleConsoleOutput(w http.ResponseWriter, r *http.Request, build *core.Build, segments []string) {
	subjobID, err1 := strconv.Atoi(segments[2])
	atomID, err2 := strconv.Atoi(segments[4])
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "subjob and atom ids must be integers")
		return
	}
	subjob, ok := build.Subjob(subjobID)
	if !ok {
		writeError(w, http.StatusNotFound, (&core.ItemNotFoundError{Kind: "subjob", ID: subjobID}).Error())
		return
	}
	var content string
	for _, atom := range subjob.Atoms {
		if atom.ID == atomID {
			content = atom.Output
			break
		}
	}

	maxLines, _ := strconv.Atoi(r.URL.Query().Get("max_lines"))
	offsetLine, _ := strconv.Atoi(r.URL.Query().Get("offset_line"))
	if maxLines > 0 || offsetLine > 0 {
		content = windowLines(content, maxLines, offsetLine)
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

// windowLines returns up to maxLines lines of content starting at
// offsetLine (maxLines <= 0 means "to the end").
func windowLines(content string, maxLines, offsetLine int) string {
	lines := strings.Split(content, "\n")
	if offsetLine >= len(lines) {
		return ""
	}
	end := len(lines)
	if maxLines > 0 && offsetLine+maxLines < end {
		end = offsetLine + maxLines
	}
	return strings.Join(lines[offsetLine:end], "\n")
}

func (s *Server) handleSubjobResult(w http.ResponseWriter, r *http.Request, build *core.Build, subjobIDStr string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}
	subjobID, err := strconv.Atoi(subjobIDStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "subjob id must be an integer")
		return
	}
	body, err := s.requireDigest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req struct {
		WorkerID int          `json:"worker_id"`
		Atoms    []*core.Atom `json:"atoms"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed subjob result: "+err.Error())
		return
	}
	if err := build.ReportSubjobResult(subjobID, req.Atoms); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Re-enter the worker's dispatch loop so it is handed its next
	// unstarted subjob (or freed) instead of sitting idle after this one.
	if wk, ok := s.mgr.Worker(req.WorkerID); ok {
		s.mgr.Scheduler(build).SubjobCompletedOnWorker(wk)
	}

	writeJSON(w, http.StatusOK, map[string]any{"details": "result recorded"})
}

func (s *Server) handleWorkerCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workers := s.mgr.Workers()
		reps := make([]map[string]any, 0, len(workers))
		for _, wk := range workers {
			reps = append(reps, wk.APIRepresentation())
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": reps})
	case http.MethodPost:
		var req struct {
			Worker       string `json:"worker"`
			NumExecutors int    `json:"num_executors"`
			SessionID    string `json:"session_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed worker registration: "+err.Error())
			return
		}
		if req.Worker == "" || req.NumExecutors <= 0 {
			writeError(w, http.StatusBadRequest, "worker url and a positive num_executors are required")
			return
		}
		wk := s.mgr.RegisterWorker(r.Context(), req.Worker, req.NumExecutors, req.SessionID)
		writeJSON(w, http.StatusCreated, map[string]any{"worker_id": wk.ID()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "only GET and POST are allowed on /worker")
	}
}

func (s *Server) handleWorkerItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, legacyPrefix), "/worker/")
	rest = strings.Trim(rest, "/")

	if rest == "shutdown" {
		s.handleWorkerShutdown(w, r)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}
	workerID, err := strconv.Atoi(rest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "worker id must be an integer")
		return
	}
	wk, ok := s.mgr.Worker(workerID)
	if !ok {
		writeError(w, http.StatusNotFound, (&core.ItemNotFoundError{Kind: "worker", ID: workerID}).Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": wk.APIRepresentation()})
}

func (s *Server) handleWorkerShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}
	body, err := s.requireDigest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req struct {
		Workers     []int `json:"workers"`
		ShutdownAll bool  `json:"shutdown_all"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed shutdown request: "+err.Error())
			return
		}
	}
	s.mgr.ShutdownWorkers(r.Context(), req.Workers, req.ShutdownAll)
	writeJSON(w, http.StatusOK, map[string]any{"details": "shutdown requested"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled_builds": nil})
}

// handleEvents serves GET /events?since_id=... or ?since_timestamp=...,
// the two mutually exclusive query modes over the manager's event log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	sinceID := r.URL.Query().Get("since_id")
	sinceTimestamp := r.URL.Query().Get("since_timestamp")
	if sinceID != "" && sinceTimestamp != "" {
		writeError(w, http.StatusBadRequest, "since_id and since_timestamp are mutually exclusive")
		return
	}

	var (
		evs []*events.Event
		err error
	)
	switch {
	case sinceTimestamp != "":
		sec, perr := strconv.ParseFloat(sinceTimestamp, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "since_timestamp must be a unix timestamp")
			return
		}
		whole := int64(sec)
		t := time.Unix(whole, int64((sec-float64(whole))*1e9))
		evs, err = s.mgr.Events().SinceTimestamp(t)
	case sinceID != "":
		id, perr := strconv.ParseInt(sinceID, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "since_id must be an integer")
			return
		}
		evs, err = s.mgr.Events().Since(id)
	default:
		evs, err = s.mgr.Events().Since(0)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// Start runs the HTTP server on addr until ctx is canceled.
func Start(ctx context.Context, addr string, mgr *manager.Manager) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewServer(mgr).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
