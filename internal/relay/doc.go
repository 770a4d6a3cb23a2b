// Package relay implements the subscription manager and broadcast dispatcher
// for the Driver Location Relay.
//
// The relay appends ingested events to the event log and fans them out to the
// driver's room, and answers subscribe requests with a replay followed by an
// acknowledgement. Ingest fan-out and subscribe replay share one sequencing
// section, so a subscriber sees every event exactly once, either replayed or
// live, in append order.
package relay
