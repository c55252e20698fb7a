package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"casd/internal/api"
	"casd/internal/models"
	"casd/internal/store"
)

func (s *Server) handleAdminUnreferenced(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	records, err := s.service.Unreferenced(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []models.BlobRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAdminDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.Duplicates(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []models.DuplicateGroup{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	var req api.SweepRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	cleanupType, err := models.ParseCleanupType(req.CleanupType)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(err, ErrCodeInvalidSweepType))
		return
	}
	if !req.DryRun && r.Header.Get("X-Confirm") != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("non-dry-run requires X-Confirm: true header"), ErrCodeMissingRequired))
		return
	}

	entry, err := s.sweeper.Sweep(r.Context(), cleanupType, SweepOptions{
		BatchSize: req.BatchSize,
		DryRun:    req.DryRun,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SweepResponse{CleanupLogEntry: entry})
}

func (s *Server) handleAdminCleanupLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	filter := store.CleanupLogFilter{Limit: limit}
	if raw := strings.TrimSpace(r.URL.Query().Get("cleanup_type")); raw != "" {
		cleanupType, err := models.ParseCleanupType(raw)
		if err != nil {
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(err, ErrCodeInvalidSweepType))
			return
		}
		filter.CleanupType = cleanupType
	}

	entries, err := s.store.QueryCleanupLog(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.CleanupLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminCleanupStats(w http.ResponseWriter, r *http.Request) {
	sinceDays := 30
	if raw := strings.TrimSpace(r.URL.Query().Get("since_days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid since_days %q", raw), ErrCodeInvalidQuery))
			return
		}
		sinceDays = parsed
	}

	since := time.Now().UTC().AddDate(0, 0, -sinceDays)
	stats, err := s.store.CleanupStatsSince(r.Context(), since)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminCleanupPurge(w http.ResponseWriter, r *http.Request) {
	var req api.PurgeRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	if req.OlderThanDays <= 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("older_than_days must be > 0"), ErrCodeInvalidQuery))
		return
	}
	if r.Header.Get("X-Confirm") != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("purge requires X-Confirm: true header"), ErrCodeMissingRequired))
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	purged, err := s.store.PurgeCleanupLogOlderThan(r.Context(), cutoff)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PurgeResponse{PurgedRows: purged})
}
