// Package sim drives simulated producers and subscribers against a running
// relay for manual end-to-end checks.
//
// A Fleet walks N drivers along random tracks and posts each step to the
// ingest API. Watch subscribes to one driver over WebSocket and prints every
// frame it receives.
package sim
