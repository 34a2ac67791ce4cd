/*
Package log provides structured logging for lithiumcore using zerolog.

It wraps zerolog with a package-level Logger initialized once via Init,
component-scoped child loggers (WithComponent, WithTaskID, WithTargetName,
WithScriptName, WithSession), and a handful of level helpers for simple
messages. Every component in the core — event loop, bus, dispatcher,
script manager, guider client, sequencer — takes a zerolog.Logger built
from one of these helpers rather than logging against the global directly,
so log lines are always tagged with the component that emitted them.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	loopLog := log.WithComponent("eventloop")
	loopLog.Info().Uint64("task_id", 42).Msg("task completed")

When --log-file is set, Init's Output is an io.MultiWriter of stdout and the
file that flag names (see cmd/lithiumcored). No per-run
logs/YYYYMMDD_HHMMSS.log file is written.
*/
package log
