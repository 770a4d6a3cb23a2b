// Package eventlog implements the in-memory event store for the Driver Location Relay.
//
// The store is an append-only log of location events in arrival order. It
// answers per-driver range queries bounded by a time cursor and is cleared
// only by an explicit reset.
package eventlog
