// Package cache persists per-URL verdicts so unchanged streams are not
// re-probed within the freshness window. Two durable backends implement the
// same contract: SQLite (default, no external service) and Redis.
package cache

import (
	"context"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// Store is the result cache contract. Get returns (nil, nil) on a miss,
// which includes records older than the freshness window. Put folds the new
// outcome into the record's cumulative success rate. Evict drops records
// older than the retention horizon to bound storage growth.
type Store interface {
	Get(ctx context.Context, url string) (*models.CacheRecord, error)
	Put(ctx context.Context, url string, working bool, qualityScore int) error
	Evict(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// fold merges a new outcome into an existing record (prev may be nil).
// SuccessRate is a cumulative average: rate' = (rate*(n-1) + outcome) / n.
func fold(prev *models.CacheRecord, url string, working bool, qualityScore int, now time.Time) models.CacheRecord {
	outcome := 0.0
	if working {
		outcome = 100.0
	}
	rec := models.CacheRecord{
		URL:          url,
		Working:      working,
		QualityScore: qualityScore,
		CheckedAt:    now,
		AttemptCount: 1,
		SuccessRate:  outcome,
	}
	if prev != nil && prev.AttemptCount > 0 {
		n := prev.AttemptCount + 1
		rec.AttemptCount = n
		rec.SuccessRate = (prev.SuccessRate*float64(n-1) + outcome) / float64(n)
	}
	return rec
}
