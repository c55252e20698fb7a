package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check and info.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.requireAuth(s.handleInfo))

	// Ingest.
	mux.HandleFunc("POST /v1/blobs", s.requireAuth(s.handleIngestBlob))

	// Single blob.
	mux.HandleFunc("GET /v1/blobs/{digest}", s.requireAuth(s.handleGetBlob))
	mux.HandleFunc("GET /v1/blobs/{digest}/content", s.requireAuth(s.handleGetBlobContent))
	mux.HandleFunc("GET /v1/blobs/{digest}/history", s.requireAuth(s.handleBlobHistory))

	// Reference tracking.
	mux.HandleFunc("POST /v1/blobs/{digest}/retain", s.requireAuth(s.handleRetainBlob))
	mux.HandleFunc("POST /v1/blobs/{digest}/release", s.requireAuth(s.handleReleaseBlob))

	// Owner accounting.
	mux.HandleFunc("GET /v1/owners/{owner_id}/usage", s.requireAuth(s.handleOwnerUsage))

	// Admin.
	mux.HandleFunc("GET /v1/admin/unreferenced", s.requireAdmin(s.handleAdminUnreferenced))
	mux.HandleFunc("GET /v1/admin/duplicates", s.requireAdmin(s.handleAdminDuplicates))
	mux.HandleFunc("POST /v1/admin/sweep", s.requireAdmin(s.handleAdminSweep))
	mux.HandleFunc("GET /v1/admin/cleanup-log", s.requireAdmin(s.handleAdminCleanupLog))
	mux.HandleFunc("GET /v1/admin/cleanup-log/stats", s.requireAdmin(s.handleAdminCleanupStats))
	mux.HandleFunc("POST /v1/admin/cleanup-log/purge", s.requireAdmin(s.handleAdminCleanupPurge))

	return s.withRequestLogging(mux)
}
