package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"casd/internal/api"
	"casd/internal/models"
)

func (s *Server) handleIngestBlob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes)
	if err := r.ParseMultipartForm(s.multipartMemory); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyMultipartError(err))
		return
	}

	file, header, err := r.FormFile("content")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("content is required"), ErrCodeMissingRequired))
		return
	}
	defer file.Close()

	ownerID := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	if ownerID == "" {
		ownerID = strings.TrimSpace(r.FormValue("owner_id"))
	}

	buffered := bufio.NewReader(file)
	peek, _ := buffered.Peek(512)
	sniffedMediaType := http.DetectContentType(peek)

	record, created, err := s.service.Ingest(r.Context(), ownerID, IngestInput{
		Filename:          firstNonEmpty(strings.TrimSpace(r.FormValue("filename")), header.Filename),
		DeclaredMediaType: strings.TrimSpace(r.FormValue("media_type")),
		SniffedMediaType:  sniffedMediaType,
	}, buffered)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.IngestResponse{BlobRecord: record, Deduplicated: !created})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigestOrBadRequest(w, r)
	if !ok {
		return
	}

	record, err := s.service.Get(r.Context(), digest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BlobResponse{BlobRecord: record})
}

func (s *Server) handleGetBlobContent(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigestOrBadRequest(w, r)
	if !ok {
		return
	}

	content, err := s.service.OpenContent(r.Context(), digest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer content.Reader.Close()

	w.Header().Set("Content-Type", content.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.SizeBytes, 10))
	w.Header().Set("ETag", `"`+digest+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content.Reader); err != nil {
		s.log().Error("stream blob content", "digest", digest, "error", err)
	}
}

func (s *Server) handleBlobHistory(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigestOrBadRequest(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	events, err := s.service.History(r.Context(), digest, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []models.IngestEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRetainBlob(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigestOrBadRequest(w, r)
	if !ok {
		return
	}

	record, err := s.service.Retain(r.Context(), digest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BlobResponse{BlobRecord: record})
}

func (s *Server) handleReleaseBlob(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigestOrBadRequest(w, r)
	if !ok {
		return
	}

	record, clamped, err := s.service.Release(r.Context(), digest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReleaseResponse{BlobRecord: record, Clamped: clamped})
}

func (s *Server) handleOwnerUsage(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.PathValue("owner_id"))

	usage, err := s.service.Usage(r.Context(), ownerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, badRequestCode(fmt.Errorf("invalid limit %q", raw), ErrCodeInvalidQuery)
	}
	return limit, nil
}

func classifyMultipartError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}
	return badRequestCode(err, ErrCodeInvalidArgument)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
