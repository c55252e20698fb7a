package store

import "context"

// StoreInfo summarizes the store for the info endpoint.
type StoreInfo struct {
	SchemaVersion  int   `json:"schema_version"`
	BlobCount      int64 `json:"blob_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Info reports the applied schema version and blob record totals.
func (s *Store) Info(ctx context.Context) (StoreInfo, error) {
	var info StoreInfo

	version, err := currentVersion(s.db)
	if err != nil {
		return info, err
	}
	info.SchemaVersion = version

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM blob_records",
	).Scan(&info.BlobCount, &info.TotalSizeBytes)
	if err != nil {
		return info, err
	}
	return info, nil
}

// Plan reports migration status without applying anything.
func (s *Store) Plan() (*MigrationStatus, error) {
	return MigrationPlan(s.db)
}
