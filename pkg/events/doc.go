/*
Package events implements the manager's build event log.

Every state change worth surfacing to API clients (a build queued, a subjob
dispatched, a worker marked dead) is published as a tagged Event. Events are
appended to a rolling JSON-lines file, kept in an in-memory ring cache for
fast recent-history queries, and fanned out to any live subscribers.

The ring cache is trimmed once it exceeds 100000 entries, dropping entries
older than five hours; a query that the cache can't fully answer falls back
to a scan of the rolled file from its start.

	log, _ := events.NewLog("/var/lib/clusterrunner/events.log")
	defer log.Close()

	log.Publish("build.queued", map[string]any{"build_id": 42})

	recent, _ := log.Since(0)
*/
package events
