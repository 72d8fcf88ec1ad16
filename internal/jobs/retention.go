package jobs

import (
	"context"
	"time"

	"croanalyzer/internal/config"
	"croanalyzer/internal/metrics"
)

// Pruner deletes archived analyses finished before cutoff.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	AnalysesDeleted int64 `json:"analysesDeleted"`
}

// CleanupExpiredData deletes archived analyses older than the configured
// retention window so that the database does not grow without bound.
func CleanupExpiredData(ctx context.Context, cfg *config.Config, p Pruner) (RetentionStats, error) {
	var stats RetentionStats
	if p == nil || cfg.Retention.ArchiveDays <= 0 {
		return stats, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Retention.ArchiveDays)
	n, err := p.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	stats.AnalysesDeleted = n
	metrics.RecordRetentionDeleted(n)
	return stats, nil
}
