// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Pipeline management (create, update, delete, activate, dry-run)
//   - Run submission, cancellation, status and logs
//   - Engine statistics and the operator catalog
//   - Health checks and Prometheus metrics
//
// Pipelines are accepted as JSON, or as YAML definitions when the request
// carries a YAML content type. Errors use a common envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": ...}}
package http
