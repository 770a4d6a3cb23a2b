// Package auth verifies producer bearer tokens for the Driver Location Relay.
//
// Tokens are JWTs signed with HS256 (shared secret) or RS256 (PEM public key
// or JWKS endpoint). The scopes claim grants ingest, read or admin access.
// Subscriber endpoints are never authenticated.
package auth
