/*
Package metrics defines and registers the Prometheus metrics exposed by a
ClusterRunner manager, using the same client_golang conventions as the
teacher this project is built from: package-level metric variables,
MustRegister at init, and a Timer helper for histogram observations.

# Metrics catalog

Build lifecycle:

	clusterrunner_builds_submitted_total            counter
	clusterrunner_builds_finished_total{result}     counter
	clusterrunner_build_duration_seconds            histogram
	clusterrunner_builds_in_progress{state}         gauge

Subjob dispatch:

	clusterrunner_subjob_dispatch_duration_seconds  histogram
	clusterrunner_subjobs_completed_total           counter

Worker allocation:

	clusterrunner_worker_allocation_duration_seconds  histogram
	clusterrunner_idle_workers                        gauge
	clusterrunner_executors_in_use                    gauge
	clusterrunner_workers_total{state}                gauge

API:

	clusterrunner_api_requests_total{method,route,status}     counter
	clusterrunner_api_request_duration_seconds{method,route}  histogram

# Usage

	timer := metrics.NewTimer()
	err := dispatchSubjob(build, subjob)
	timer.ObserveDuration(metrics.SubjobDispatchDuration)

	metrics.BuildsFinishedTotal.WithLabelValues(string(result)).Inc()

	http.Handle("/metrics", metrics.Handler())

# Cardinality

Labels are bounded, closed sets: build/worker state names, HTTP method and
route template, result strings. None carry build ids, worker ids, or
timestamps.
*/
package metrics
