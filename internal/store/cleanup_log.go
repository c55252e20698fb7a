package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"casd/internal/models"
)

const cleanupColumns = "id, cleanup_type, files_deleted, space_freed_bytes, execution_time_ms, details, executed_at"

// CleanupLogFilter narrows a cleanup-log query.
type CleanupLogFilter struct {
	CleanupType models.CleanupType
	Limit       int
}

// AppendCleanupEntry inserts one audit row. Write failures propagate; the log
// never fails silently.
func (s *Store) AppendCleanupEntry(ctx context.Context, entry *models.CleanupLogEntry) error {
	if entry == nil {
		return fmt.Errorf("cleanup entry is required")
	}
	if _, err := models.ParseCleanupType(string(entry.CleanupType)); err != nil {
		return err
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}

	detailsJSON, err := cleanupDetailsToJSON(entry.Details)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_log (cleanup_type, files_deleted, space_freed_bytes, execution_time_ms, details, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(entry.CleanupType),
		entry.FilesDeleted,
		entry.SpaceFreedBytes,
		entry.ExecutionTimeMS,
		detailsJSON,
		dbFormatTime(entry.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("append cleanup entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

// QueryCleanupLog lists entries ordered by execution time descending.
func (s *Store) QueryCleanupLog(ctx context.Context, filter CleanupLogFilter) ([]models.CleanupLogEntry, error) {
	query := `SELECT ` + cleanupColumns + ` FROM cleanup_log`
	args := []any{}
	if strings.TrimSpace(string(filter.CleanupType)) != "" {
		query += " WHERE cleanup_type = ?"
		args = append(args, string(filter.CleanupType))
	}
	query += " ORDER BY executed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.CleanupLogEntry{}
	for rows.Next() {
		entry, err := scanCleanupEntry(rows)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, rows.Err()
}

// RecentCleanupEntries returns the n most recent entries.
func (s *Store) RecentCleanupEntries(ctx context.Context, n int) ([]models.CleanupLogEntry, error) {
	if n <= 0 {
		n = 10
	}
	return s.QueryCleanupLog(ctx, CleanupLogFilter{Limit: n})
}

// CleanupStatsSince aggregates sweep runs executed at or after since.
func (s *Store) CleanupStatsSince(ctx context.Context, since time.Time) (models.CleanupStats, error) {
	stats := models.CleanupStats{Since: dbFormatTime(since)}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(files_deleted), 0),
		       COALESCE(SUM(space_freed_bytes), 0),
		       COALESCE(AVG(execution_time_ms), 0)
		FROM cleanup_log
		WHERE executed_at >= ?
	`, dbFormatTime(since)).Scan(&stats.Runs, &stats.FilesDeleted, &stats.SpaceFreedBytes, &stats.AvgExecutionTimeMS)
	return stats, err
}

// PurgeCleanupLogOlderThan bulk-deletes entries older than cutoff. Log
// retention is independent of blob lifecycle.
func (s *Store) PurgeCleanupLogOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_log WHERE executed_at < ?`, dbFormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCleanupEntry(scanner interface {
	Scan(dest ...any) error
}) (*models.CleanupLogEntry, error) {
	entry := models.CleanupLogEntry{}
	var cleanupType string
	var details sql.NullString
	var executedAt string

	err := scanner.Scan(
		&entry.ID,
		&cleanupType,
		&entry.FilesDeleted,
		&entry.SpaceFreedBytes,
		&entry.ExecutionTimeMS,
		&details,
		&executedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	entry.CleanupType = models.CleanupType(cleanupType)

	parsed, err := dbParseTime(executedAt)
	if err != nil {
		return nil, err
	}
	entry.ExecutedAt = parsed

	if details.Valid && details.String != "" {
		parsed := models.CleanupDetails{}
		if err := json.Unmarshal([]byte(details.String), &parsed); err != nil {
			return nil, fmt.Errorf("parse cleanup details: %w", err)
		}
		entry.Details = &parsed
	}

	return &entry, nil
}

func cleanupDetailsToJSON(details *models.CleanupDetails) (any, error) {
	if details == nil {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal cleanup details: %w", err)
	}
	return string(data), nil
}
