// Package verify schedules verification batches: it bounds how many URLs
// are probed at once, serves cached verdicts, and guarantees one verdict
// per input URL no matter what individual aggregations do.
package verify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voyagen/streamkeeper/internal/cache"
	"github.com/voyagen/streamkeeper/internal/metrics"
	"github.com/voyagen/streamkeeper/internal/models"
)

// Aggregator produces one verdict for one URL (internal/probe.Aggregator in
// production; tests substitute fakes).
type Aggregator interface {
	Aggregate(ctx context.Context, url string) models.StreamVerdict
}

// Progress is invoked after each completed URL with the running completion
// count, the total, and the verdict that just finished. Calls are
// serialized; completion order is unspecified.
type Progress func(completed, total int, verdict models.StreamVerdict)

// Scheduler fans out per-URL aggregation under a counting semaphore — the
// system's backpressure mechanism. Without it a batch of thousands of URLs
// would exhaust file descriptors and process slots.
type Scheduler struct {
	agg           Aggregator
	cache         cache.Store
	maxConcurrent int64
	batchTimeout  time.Duration
}

// New builds a scheduler. cacheStore may be nil to disable caching
// entirely; batchTimeout <= 0 disables the batch-level ceiling.
func New(agg Aggregator, cacheStore cache.Store, maxConcurrent int, batchTimeout time.Duration) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Scheduler{
		agg:           agg,
		cache:         cacheStore,
		maxConcurrent: int64(maxConcurrent),
		batchTimeout:  batchTimeout,
	}
}

// RunBatch verifies every URL and returns a complete mapping: exactly one
// verdict per distinct input URL, even for duplicates, failures, panics, or
// a batch timeout. Tasks still pending when the batch ceiling expires are
// reported as non-working with a "batch timeout" diagnostic rather than
// left running unbounded.
func (s *Scheduler) RunBatch(ctx context.Context, urls []string, progress Progress) map[string]models.StreamVerdict {
	results := make(map[string]models.StreamVerdict, len(urls))
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := results[u]; dup {
			continue
		}
		results[u] = models.StreamVerdict{}
		unique = append(unique, u)
	}
	if len(unique) == 0 {
		return results
	}

	if s.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
	}

	start := time.Now()
	sem := semaphore.NewWeighted(s.maxConcurrent)
	var mu sync.Mutex
	var wg sync.WaitGroup
	completed := 0
	total := len(unique)

	for _, u := range unique {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			var verdict models.StreamVerdict
			if err := sem.Acquire(ctx, 1); err != nil {
				verdict = models.StreamVerdict{
					URL:        url,
					Working:    false,
					CheckedAt:  time.Now(),
					Diagnostic: "batch timeout",
				}
			} else {
				verdict = s.verifyOne(ctx, url)
				sem.Release(1)
			}

			mu.Lock()
			results[url] = verdict
			completed++
			done := completed
			if progress != nil {
				progress(done, total, verdict)
			}
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return results
}

// verifyOne serves one URL from cache when fresh, otherwise aggregates and
// writes the outcome back. An aggregation panic is contained and converted
// into a non-working verdict so one bad URL never takes down the batch.
func (s *Scheduler) verifyOne(ctx context.Context, url string) (verdict models.StreamVerdict) {
	if s.cache != nil {
		if rec, err := s.cache.Get(ctx, url); err != nil {
			log.Printf("verify: cache get %s: %v", url, err)
		} else if rec != nil {
			metrics.StreamsChecked.WithLabelValues(resultLabel(rec.Working), "cache").Inc()
			return models.StreamVerdict{
				URL:          url,
				Working:      rec.Working,
				QualityScore: rec.QualityScore,
				CheckedAt:    rec.CheckedAt,
				FromCache:    true,
				AttemptCount: rec.AttemptCount,
			}
		}
	}

	metrics.ProbesInFlight.Inc()
	defer metrics.ProbesInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			verdict = models.StreamVerdict{
				URL:        url,
				Working:    false,
				CheckedAt:  time.Now(),
				Diagnostic: fmt.Sprintf("aggregation panic: %v", r),
			}
			metrics.StreamsChecked.WithLabelValues("dead", "probe").Inc()
		}
	}()

	verdict = s.agg.Aggregate(ctx, url)
	for _, a := range verdict.Attempts {
		metrics.ProbeOutcomes.WithLabelValues(string(a.Method), outcomeLabel(a)).Inc()
	}
	metrics.StreamsChecked.WithLabelValues(resultLabel(verdict.Working), "probe").Inc()

	if s.cache != nil {
		if err := s.cache.Put(ctx, url, verdict.Working, verdict.QualityScore); err != nil {
			log.Printf("verify: cache put %s: %v", url, err)
		}
	}
	return verdict
}

func resultLabel(working bool) string {
	if working {
		return "working"
	}
	return "dead"
}

func outcomeLabel(v models.ProbeVerdict) string {
	switch {
	case v.Reachable && v.ContentPlausible:
		return "plausible"
	case v.Reachable:
		return "reachable"
	default:
		return "unreachable"
	}
}
