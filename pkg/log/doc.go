/*
Package log provides structured logging for ClusterRunner using zerolog.

A package-level Logger is configured once via Init and used from every
other package. Plain-string helpers (Info, Debug, Warn, Error, Fatal) cover
simple messages; WithComponent, WithBuild, WithWorker, and WithSubjob
return a chainable zerolog.Logger carrying the relevant id as a field, for
call sites that want structured fields on top of the message.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	log.Info("manager starting")

	log.WithBuild(build.ID()).Info().
		Str("branch", params["branch"]).
		Msg("build queued")

	log.WithWorker(w.ID()).Error().Err(err).Msg("liveness probe failed")

JSONOutput false gives a human-readable console writer for local
development; true gives line-delimited JSON suitable for log aggregation.
*/
package log
