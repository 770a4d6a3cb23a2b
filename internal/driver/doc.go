// Package driver keeps a directory of the drivers the relay has seen.
//
// The directory records each driver's last reported position, the name of
// its last event and how many events it has produced since the last reset.
package driver
