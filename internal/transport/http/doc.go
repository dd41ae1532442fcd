// Package http implements the admin API of the license authority.
// It provides a thin layer between HTTP transport and the services package:
// handlers parse requests, call a service and render the result.
//
// # Routes
//
//	GET    /healthz
//	GET    /metrics
//	GET    /api/keys
//	POST   /api/keys/rotate
//	POST   /api/keys/import
//	POST   /api/keys/{kid}/revoke
//	GET    /api/keys/trust-anchors
//	POST   /api/licenses
//	GET    /api/licenses
//	GET    /api/licenses/export
//	GET    /api/licenses/{id}
//	GET    /api/licenses/{id}/download
//	DELETE /api/licenses/{id}
//	POST   /api/licenses/verify
//
// Everything under /api requires the admin bearer token when one is
// configured and is rate limited.
//
// # Error Handling
//
// All errors follow RFC 7807 Problem Details:
//
//	{
//	    "type": "/errors/license/invalid-request",
//	    "title": "Invalid License Request",
//	    "status": 400,
//	    "detail": "invalid license request: seats must be at least 1",
//	    "error_code": "INVALID_REQUEST",
//	    "trace_id": "0b9c..."
//	}
//
// A failed verification is not an error: POST /api/licenses/verify answers
// 200 with "valid": false and the outcome.
package http
