// Package telemetry tracks subscriber connections and delivers messages to them.
//
// Each connection owns an ordered outbox drained by its Serve loop, so a slow
// subscriber never blocks producers. The hub announces joins and departures,
// sends fixed-interval heartbeats to streaming (SSE) clients, and writes the
// SSE wire format used by the stream endpoint.
package telemetry
