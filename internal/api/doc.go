// Package api serves the gateway's single HTTP listener.
//
// Three surfaces share it:
//   - the device endpoint: every path outside /api/v1 and /metrics is
//     handed to the protocol router, behind a per-source rate limiter;
//   - the admin API under /api/v1, authenticated with operator JWTs;
//   - the Prometheus scrape endpoint at /metrics.
//
// A WebSocket stream at /api/v1/ws relays attendance events, command
// transitions and sync results to operator dashboards. Browsers cannot
// set headers on the upgrade request, so the stream authenticates with a
// single-use ticket from POST /api/v1/ws-ticket.
package api
