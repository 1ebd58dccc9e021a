// Package http provides the HTTP admission transport for quota-gate.
//
// The server answers every request outside its reserved routes with an
// admission decision. It works as a standalone gateway check or behind a
// reverse proxy that delegates authorization (for example nginx
// auth_request), in which case the original method and URI are taken from
// X-Original-Method and X-Original-URI.
//
// # Request Headers
//
//	X-Actor-ID: <id>          - Caller identity, established upstream
//	X-Actor-Tier: TIER1       - Quota tier, empty for anonymous callers
//	X-Request-ID: <id>        - Correlation id, generated when absent
//
// # Response Headers
//
//	X-RateLimit-Limit         - Quota applied to the request
//	X-RateLimit-Remaining     - Requests left in the current window
//	X-RateLimit-Reset         - Seconds until the oldest counted request expires
//	Retry-After               - Seconds to wait, on 429 only
//
// # Status Codes
//
//	200 - admitted
//	400 - malformed request (missing actor, bad tier)
//	403 - endpoint inactive or tier not allowed
//	404 - no endpoint registered for the path and verb
//	429 - quota exceeded
//	500 - registry misconfiguration or internal failure
//
// Errors are JSON objects of the form {"error": "...", "type": "..."}.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Extracts or generates the request id
//  3. RealIPMiddleware - Extracts client IP from proxy headers
//  4. AdmissionHandler - Runs the access check
//
// /health, /metrics and the admin routes bypass admission.
package http
