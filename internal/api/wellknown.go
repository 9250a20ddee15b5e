package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/outpost.json.
// Agents read it to discover endpoint paths and the signing scheme.
const wellKnownManifest = `{
  "name": "Outpost",
  "description": "Command-and-control server for enrolled endpoint agents",
  "version": "0.1.0",
  "api_base": "/api/v1/agent",
  "auth": {
    "type": "hmac-sha256",
    "token_header": "X-Agent-Token",
    "signature_header": "X-HMAC-Signature",
    "timestamp_header": "X-Timestamp",
    "nonce_header": "X-Nonce",
    "payload": "timestamp:nonce:body"
  },
  "endpoints": {
    "enroll": "/api/v1/agent/enroll",
    "heartbeat": "/api/v1/agent/heartbeat",
    "poll_jobs": "/api/v1/agent/poll-jobs",
    "ack_job": "/api/v1/agent/ack-job/{id}",
    "fail_job": "/api/v1/agent/fail-job/{id}",
    "upload_report": "/api/v1/agent/upload-report"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
