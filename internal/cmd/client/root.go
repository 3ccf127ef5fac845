// Package client contains Cobra CLI commands for talking to a running
// relay node over its HTTP API.
package client

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string
