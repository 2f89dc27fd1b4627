// Package server implements the Harbor chat core: connection sessions, the
// envelope dispatcher, user and room registries, broadcast delivery, and the
// HTTP surface that upgrades WebSocket connections and serves introspection.
//
// The implementation is organized into specialized files for the server
// lifecycle, sessions, dispatch, origin control, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
