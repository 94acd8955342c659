// Package workerrpc is the HTTP transport between a manager and the
// worker processes it drives. It implements core.WorkerTransport
// structurally: setup and subjob-start requests carry a shared-secret
// HMAC-SHA512 digest of the request body in the
// Clusterrunner-Message-Authentication-Digest header (teardown and kill
// requests are sent unsigned), and liveness probes carry the manager's Session-Id so a
// worker that restarted mid-build is detected rather than silently
// trusted.
package workerrpc
