// Package httpserver exposes the delivery subsystem over HTTP: a health
// probe, the client-facing send endpoint, and the instance-to-instance
// deliver endpoint used by the transport.
package httpserver
