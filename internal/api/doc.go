// Package api exposes the session lifecycle and the tool-call surface over
// HTTP. Every /api route requires the static bearer token; the Prometheus
// endpoint is served unauthenticated when metrics are enabled.
package api
