// Package api implements the HTTP REST API and WebSocket server for
// ShadowCore.
//
// This package provides:
//   - REST endpoints for shadow CRUD, desired-state writes, device
//     reports, delta queries, and history queries
//   - WebSocket fan-out of shadow lifecycle events via the connection
//     registry
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between clients (applications setting desired
// state, dashboards watching devices) and the shadow store. Writes flow
// through the store, which publishes lifecycle events on the internal
// event bus; the server subscribes to those topics and relays them to
// WebSocket clients through the connection registry. Numeric reported
// values are forwarded to the time-series backends when configured.
//
// # Graceful Degradation
//
// The server operates without the time-series backends and without any
// WebSocket clients connected; the REST surface is self-contained.
package api
