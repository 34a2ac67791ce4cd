/*
Package metrics defines and registers the core's Prometheus metrics, and
a small in-process component health tracker — package-level collectors
registered in init(), a Timer helper for histogram observations, and a
RegisterComponent/GetHealth/GetReadiness aggregate with no transport of
its own.

Metric categories track the event loop (queue depth, dispatch latency),
message bus (publish count, queued-subscriber drops), command dispatcher
(invocations, timeouts), script manager (runs by outcome, run duration,
evicted versions), guider client (RPC latency, reconnects, settle duration),
and sequencer (targets scheduled and finished, progress, sequence duration). The transport layer
(out of scope for this module) is expected to mount Handler() at /metrics
and to expose health/readiness however it exposes anything else —
pkg/gateway's HandleHealth/HandleReadiness wrap GetHealth/GetReadiness
for that purpose, per the "thin adapter" boundary.
*/
package metrics
