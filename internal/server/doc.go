// Package server implements the core HTTP and WebSocket functionality of the
// Parley chat service: a bounded in-memory message history, a connection
// registry with presence announcements, broadcast fan-out with per-recipient
// failure isolation, and the per-connection read/write pumps.
//
// The implementation is organized into specialized files for configuration,
// history, hub management, clients, routing, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
