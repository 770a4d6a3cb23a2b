// Package api implements the HTTP gateway for the Driver Location Relay.
//
// Producers post events to /api/v1/events. Subscribers connect over
// WebSocket (/api/v1/ws) and send subscribe requests, or open a Server-Sent
// Events stream (/api/v1/drivers/{driverID}/stream) that is subscribed on
// connect. Every JSON response uses one envelope:
//
//	{"result": "ok", "data": ..., "correlationId": "..."}
//	{"result": "error", "code": "...", "message": "...", "details": ..., "correlationId": "..."}
package api
