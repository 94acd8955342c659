package manager

import (
	"time"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/metrics"
)

// MetricsCollector periodically samples gauge-shaped state (worker counts,
// executor occupancy, builds in progress) that isn't naturally driven by an
// event, the way BuildsSubmittedTotal or SubjobDispatchDuration are.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a collector for mgr.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting on a 15-second tick, sampling immediately first.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectWorkerMetrics()
	c.collectBuildMetrics()
}

func (c *MetricsCollector) collectWorkerMetrics() {
	workers := c.manager.Workers()

	alive, dead, shutdown, executorsInUse := 0, 0, 0, 0
	for _, w := range workers {
		switch {
		case w.IsShutdown():
			shutdown++
		case w.IsAlive():
			alive++
		default:
			dead++
		}
		executorsInUse += w.ExecutorsInUse()
	}

	metrics.WorkersTotal.WithLabelValues("alive").Set(float64(alive))
	metrics.WorkersTotal.WithLabelValues("dead").Set(float64(dead))
	metrics.WorkersTotal.WithLabelValues("shutdown").Set(float64(shutdown))
	metrics.ExecutorsInUseGauge.Set(float64(executorsInUse))
}

func (c *MetricsCollector) collectBuildMetrics() {
	counts := map[core.BuildState]int{}
	for _, b := range c.manager.store.CachedBuilds() {
		counts[b.Status()]++
	}
	for _, state := range []core.BuildState{core.StateQueued, core.StatePreparing, core.StatePrepared, core.StateBuilding} {
		metrics.BuildsInProgress.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
