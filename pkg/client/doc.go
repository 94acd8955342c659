// Package client is a thin HTTP wrapper around the manager API, used by
// the CLI and by tests that drive a build end to end without a real
// worker fleet. Mutating calls are HMAC-signed the same way worker RPCs
// are; polling helpers (BlockUntilBuildHasStatus and friends) wrap a
// plain sleep-and-retry loop around the status endpoint.
package client
