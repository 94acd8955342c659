// Package manager wires together the pieces a ClusterRunner manager
// process needs: the build store, the scheduler pool, the worker
// allocator and registry, the event log, and the HMAC secret that
// worker setup and subjob-start RPCs are signed with. pkg/api drives it; pkg/core and
// pkg/storage do the actual work.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/events"
	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/metrics"
	"github.com/cuemby/clusterrunner/pkg/storage"
	"github.com/cuemby/clusterrunner/pkg/workerrpc"
	"github.com/google/uuid"
)

// Config holds the settings a Manager is constructed with.
type Config struct {
	DataDir       string
	DBPath        string
	EventLogFile  string
	Secret        string
	DefaultJob    core.JobConfig
}

// Manager is the manager process's central coordinator: one build store,
// one scheduler pool, one worker allocator, one registry of known
// workers, one event log.
type Manager struct {
	cfg Config

	store     *storage.BuildStore
	schedPool *core.BuildSchedulerPool
	allocator *core.WorkerAllocator
	eventLog  *events.Log

	mu          sync.Mutex
	workers     map[int]*core.Worker
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	metricsCollector *MetricsCollector
}

// New constructs a Manager and starts its background worker allocator
// loop. Callers must call Close when shutting down.
func New(cfg Config) (*Manager, error) {
	store, err := storage.NewBuildStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open build store: %w", err)
	}

	eventLog, err := events.NewLog(cfg.EventLogFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	metrics.RegisterComponent("build_store", true, "open")

	m := &Manager{
		cfg:       cfg,
		store:     store,
		schedPool: core.NewBuildSchedulerPool(),
		eventLog:  eventLog,
		workers:   make(map[int]*core.Worker),
	}
	metrics.RegisterComponent("scheduler_pool", true, "running")

	m.allocator = core.NewWorkerAllocator(m.schedPool)
	m.allocatorCtx, m.allocatorCancel = context.WithCancel(context.Background())
	go m.allocator.Run(m.allocatorCtx)
	metrics.RegisterComponent("worker_allocator", true, "running")

	m.metricsCollector = NewMetricsCollector(m)
	m.metricsCollector.Start()

	return m, nil
}

// Close stops the allocator loop, the metrics collector, and the build
// store's database handle.
func (m *Manager) Close() error {
	metrics.RegisterComponent("worker_allocator", false, "stopped")
	metrics.RegisterComponent("scheduler_pool", false, "stopped")
	m.metricsCollector.Stop()
	m.allocatorCancel()
	m.allocator.Stop()
	m.eventLog.Close()
	metrics.RegisterComponent("build_store", false, "closed")
	return m.store.Close()
}

// Secret returns the shared HMAC key this manager signs worker RPCs
// with.
func (m *Manager) Secret() string { return m.cfg.Secret }

// Events exposes the manager's event log for the HTTP layer's
// GET /events endpoint.
func (m *Manager) Events() *events.Log { return m.eventLog }

// SubmitBuild registers a new build with the store, publishes a
// request_received event, atomizes the request into subjobs, prepares
// the build, and registers its scheduler for worker allocation. A build
// returned from this method is ready for the allocator to pick up as
// soon as a worker is available.
func (m *Manager) SubmitBuild(requestParams map[string]string) *core.Build {
	build := core.NewBuild(requestParams, nil)
	m.store.Add(build)
	metrics.BuildsSubmittedTotal.Inc()
	m.eventLog.Publish("request_received", map[string]any{
		"build_id": build.ID(),
	})
	build.StartPreparing()

	projectType := NewShellCommandProjectType(requestParams, m.cfg.DefaultJob)
	subjobs := AtomizeShellCommands(requestParams)
	if err := build.Prepare(subjobs, projectType, projectType.JobConfig()); err != nil {
		log.WithBuild(build.ID()).Error().Err(err).Msg("failed to prepare build")
		return build
	}

	m.Scheduler(build)
	m.schedPool.AddBuildWaitingForWorkers(build)
	m.eventLog.Publish("build_prepared", map[string]any{
		"build_id":    build.ID(),
		"num_subjobs": len(subjobs),
	})
	return build
}

// Build looks up a build by id.
func (m *Manager) Build(id int) (*core.Build, bool) {
	return m.store.Get(id)
}

// BuildRange returns builds with id in (start, end], oldest-registered
// first where known (used by no route directly yet, but mirrors the
// store's range query for future listing endpoints).
func (m *Manager) BuildRange(start, end int) []*core.Build {
	return m.store.GetRange(start, end)
}

// PersistBuild records the build's terminal-state metrics and flushes
// its current state to the database.
func (m *Manager) PersistBuild(ctx context.Context, b *core.Build) error {
	b.RecordTerminalMetrics()
	return m.store.Flush(ctx, b)
}

// Scheduler returns (creating if necessary) the scheduler for build.
func (m *Manager) Scheduler(build *core.Build) *core.BuildScheduler {
	return m.schedPool.Get(build)
}

// RegisterWorker constructs a Worker proxy for a newly connecting
// worker process. sessionID is the token the worker generated for its
// own process lifetime (see original_source's SessionId) and reported
// at registration; the manager echoes it back on every subsequent
// liveness probe so a restarted worker process is detected as a new
// instance rather than silently assumed to be the same one.
func (m *Manager) RegisterWorker(ctx context.Context, url string, numExecutors int, sessionID string) *core.Worker {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	transport := workerrpc.NewTransport(m.cfg.Secret, sessionID)
	w := core.NewWorker(url, numExecutors, sessionID, transport)

	m.mu.Lock()
	m.workers[w.ID()] = w
	m.mu.Unlock()

	metrics.WorkersTotal.WithLabelValues("alive").Inc()
	m.eventLog.Publish("worker_connected", map[string]any{
		"worker_id": w.ID(),
		"worker":    url,
	})
	m.allocator.AddIdleWorker(ctx, w)
	return w
}

// Worker looks up a known worker by id.
func (m *Manager) Worker(id int) (*core.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// Workers returns every known worker, in no particular order.
func (m *Manager) Workers() []*core.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// ShutdownWorkers drains the given workers (or every known worker, if
// ids is empty and all is true). A drained worker with no current
// build is killed immediately by SetShutdownMode; one mid-build is
// killed once its teardown completes.
func (m *Manager) ShutdownWorkers(ctx context.Context, ids []int, all bool) {
	m.mu.Lock()
	targets := make([]*core.Worker, 0, len(ids))
	if all {
		for _, w := range m.workers {
			targets = append(targets, w)
		}
	} else {
		for _, id := range ids {
			if w, ok := m.workers[id]; ok {
				targets = append(targets, w)
			}
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		log.WithWorker(w.ID()).Info().Msg("draining worker")
		w.SetShutdownMode(ctx)
	}
}
