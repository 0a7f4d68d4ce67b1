package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voyagen/streamkeeper/internal/models"
)

// SQLite is the default result-cache backend: a single-file database that
// survives restarts without any external service.
type SQLite struct {
	db        *sql.DB
	freshness time.Duration
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string, freshness time.Duration) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS stream_results (
		url TEXT PRIMARY KEY,
		working INTEGER NOT NULL,
		quality_score INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		checked_at INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_stream_results_checked ON stream_results(checked_at);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &SQLite{db: db, freshness: freshness}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Get returns the cached record for url, or (nil, nil) when absent or older
// than the freshness window.
func (s *SQLite) Get(ctx context.Context, url string) (*models.CacheRecord, error) {
	rec, err := s.load(ctx, url)
	if err != nil || rec == nil {
		return nil, err
	}
	if time.Since(rec.CheckedAt) > s.freshness {
		return nil, nil
	}
	return rec, nil
}

func (s *SQLite) load(ctx context.Context, url string) (*models.CacheRecord, error) {
	var rec models.CacheRecord
	var working int
	var checkedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT url, working, quality_score, success_rate, checked_at, attempt_count
		 FROM stream_results WHERE url = ?`, url,
	).Scan(&rec.URL, &working, &rec.QualityScore, &rec.SuccessRate, &checkedAt, &rec.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", url, err)
	}
	rec.Working = working != 0
	rec.CheckedAt = time.Unix(checkedAt, 0)
	return &rec, nil
}

// Put upserts the record for url, folding the outcome into the historical
// success rate. The single-connection pool makes the read-then-write pair
// atomic per key.
func (s *SQLite) Put(ctx context.Context, url string, working bool, qualityScore int) error {
	prev, err := s.load(ctx, url)
	if err != nil {
		return err
	}
	rec := fold(prev, url, working, qualityScore, time.Now())
	w := 0
	if rec.Working {
		w = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stream_results (url, working, quality_score, success_rate, checked_at, attempt_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   working = excluded.working,
		   quality_score = excluded.quality_score,
		   success_rate = excluded.success_rate,
		   checked_at = excluded.checked_at,
		   attempt_count = excluded.attempt_count`,
		rec.URL, w, rec.QualityScore, rec.SuccessRate, rec.CheckedAt.Unix(), rec.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", url, err)
	}
	return nil
}

// Evict deletes records older than the given horizon and returns how many
// were removed.
func (s *SQLite) Evict(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_results WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache evict: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
