// Package audit implements the producer action audit trail for the Driver
// Location Relay.
//
// Every ingest and reset is recorded as one JSON line with the acting
// principal, driver, parameters, outcome and timestamp. Files are rotated by
// size through lumberjack.
package audit
