// Package server assembles an environment into a running daemon.
//
// New wires the configured storage backend, the monitor with its static
// fleet, the consolidators, the discovery providers and the HTTP
// endpoints (/metrics, /healthz, /readyz, /livez). Start brings the
// pieces up in dependency order and Stop mirrors it: providers first,
// so no new services arrive while the monitor drains, and the store
// last, so every in-flight write still has a backend.
package server
