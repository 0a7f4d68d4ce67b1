// Package history keeps a durable record of every verification verdict in
// PostgreSQL and derives library health reports from it. It is optional:
// without a configured database the pipeline runs identically, just without
// the audit trail.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/streamkeeper/internal/models"
)

// Store records stream check outcomes in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the DSN. Caller must Close when done.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordVerdict appends one verdict to the check history.
func (s *Store) RecordVerdict(ctx context.Context, category string, v models.StreamVerdict) error {
	var latencyMs int64
	for _, a := range v.Attempts {
		latencyMs += a.Latency.Milliseconds()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stream_checks (url, category, working, quality_score, latency_ms, attempt_count, from_cache, diagnostic, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), $9)`,
		v.URL, category, v.Working, v.QualityScore, latencyMs, len(v.Attempts), v.FromCache, v.Diagnostic, v.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("RecordVerdict: %w", err)
	}
	return nil
}

// HealthReport summarizes catalog health from the check history.
type HealthReport struct {
	GeneratedAt         time.Time
	TotalChecks         int64
	DistinctStreams     int64
	WorkingStreams      int64
	DeadStreams         int64
	AverageQualityScore float64
	StaleStreams        int64 // latest check older than 14 days
	LowQualityStreams   int64 // working but quality score < 50
	CategoryCounts      map[string]int64
}

// Report builds a health report over the most recent check of every stream.
func (s *Store) Report(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		GeneratedAt:    time.Now(),
		CategoryCounts: make(map[string]int64),
	}

	err := s.pool.QueryRow(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (url) url, working, quality_score, checked_at
			FROM stream_checks
			ORDER BY url, checked_at DESC
		)
		SELECT
			(SELECT COUNT(*) FROM stream_checks),
			COUNT(*),
			COUNT(*) FILTER (WHERE working),
			COUNT(*) FILTER (WHERE NOT working),
			COALESCE(AVG(quality_score) FILTER (WHERE working), 0),
			COUNT(*) FILTER (WHERE checked_at < NOW() - INTERVAL '14 days'),
			COUNT(*) FILTER (WHERE working AND quality_score < 50)
		FROM latest`,
	).Scan(
		&report.TotalChecks,
		&report.DistinctStreams,
		&report.WorkingStreams,
		&report.DeadStreams,
		&report.AverageQualityScore,
		&report.StaleStreams,
		&report.LowQualityStreams,
	)
	if err != nil {
		return nil, fmt.Errorf("health counts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (url) url, category, working
			FROM stream_checks
			ORDER BY url, checked_at DESC
		)
		SELECT category, COUNT(*) FILTER (WHERE working)
		FROM latest
		GROUP BY category
		ORDER BY category`,
	)
	if err != nil {
		return nil, fmt.Errorf("category counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("category counts scan: %w", err)
		}
		report.CategoryCounts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("category counts rows: %w", err)
	}
	return report, nil
}

// Prune deletes history rows older than the horizon.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM stream_checks WHERE checked_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}
