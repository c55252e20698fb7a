package server

import (
	"net/http"

	"casd/internal/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := api.InfoResponse{
		DBPath:          s.dbPath,
		BlobRoot:        s.blobRoot,
		DigestAlgorithm: s.digestAlgorithm,
		SchemaVersion:   info.SchemaVersion,
		BlobCount:       info.BlobCount,
		TotalSizeBytes:  info.TotalSizeBytes,
	}

	s.writeJSON(w, http.StatusOK, resp)
}
