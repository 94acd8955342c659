// Package workerd is the worker process: the HTTP daemon that answers
// a manager's setup/subjob/teardown/kill RPCs and actually runs atomic
// shell commands, grounded in the original's local shell client
// (commands run via a shell subprocess, stdout/stderr/returncode
// captured). It reports subjob completion back to the manager over
// pkg/client.
package workerd
