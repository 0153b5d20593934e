// Package server exposes a running agent over HTTP for observation.
//
// The server is read-only. It serves:
//
//   - GET /healthz: liveness
//   - GET /metrics: Prometheus metrics
//   - GET /ratelimit: the shared limiter's window and remaining budget
//   - GET /session and GET /session/{sessionID}: tracked sessions
//   - GET /event: session events as Server-Sent Events, optionally
//     filtered with ?session=<id>
//
// Events are written as `data:` frames carrying the JSON event envelope.
// A heartbeat comment is sent every SSEHeartbeatInterval. Slow clients lose
// events rather than holding up the session that publishes them.
package server
