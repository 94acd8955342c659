package manager

import (
	"context"
	"testing"

	"github.com/cuemby/clusterrunner/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectWorkerMetrics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	alive := m.RegisterWorker(ctx, "http://worker-alive:43001", 2, "")
	shutdown := m.RegisterWorker(ctx, "http://worker-shutdown:43001", 2, "")
	shutdown.SetShutdownMode(ctx)

	m.metricsCollector.collectWorkerMetrics()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkersTotal.WithLabelValues("alive")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkersTotal.WithLabelValues("shutdown")))

	_ = alive
}

func TestCollectBuildMetrics(t *testing.T) {
	m := newTestManager(t)

	m.SubmitBuild(map[string]string{"type": "git"})
	m.SubmitBuild(map[string]string{"type": "git"})

	m.metricsCollector.collectBuildMetrics()

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.BuildsInProgress.WithLabelValues("PREPARED")))
}

func TestMetricsCollectorStartStop(t *testing.T) {
	c := NewMetricsCollector(newTestManager(t))
	c.Start()
	c.Stop()
}
