// Package api implements the manager's HTTP/JSON API: build submission
// and status, worker registration and shutdown, and artifact/console
// retrieval. Routes other than /health, /ready, /live and /metrics are
// served at both the bare and "/v1"-prefixed path. Every mutating route
// except worker registration (POST /worker) requires an HMAC-SHA512
// digest of the request body under the manager's shared secret, checked
// in constant time; worker registration is accepted unsigned.
package api
