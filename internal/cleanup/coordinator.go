// Package cleanup drives the per-category maintenance cycle: verify every
// entry, drop the dead ones (with a backup first, always), and backfill the
// lost capacity from donor playlists.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voyagen/streamkeeper/internal/catalog"
	"github.com/voyagen/streamkeeper/internal/classify"
	"github.com/voyagen/streamkeeper/internal/metrics"
	"github.com/voyagen/streamkeeper/internal/models"
	"github.com/voyagen/streamkeeper/internal/verify"
)

// BatchRunner verifies a set of URLs (internal/verify.Scheduler in
// production).
type BatchRunner interface {
	RunBatch(ctx context.Context, urls []string, progress verify.Progress) map[string]models.StreamVerdict
}

// Reprober re-verifies a single URL bypassing the cache, used when a cached
// negative is too thin to justify a destructive drop.
type Reprober interface {
	Aggregate(ctx context.Context, url string) models.StreamVerdict
}

// Recorder persists verdicts for auditing (internal/history.Store). May be
// absent; recording failures are logged, never fatal.
type Recorder interface {
	RecordVerdict(ctx context.Context, category string, v models.StreamVerdict) error
}

// VerdictCache receives re-probe outcomes so a stale cached negative is
// replaced instead of re-probed again on the next run
// (internal/cache.Store in production). May be absent.
type VerdictCache interface {
	Put(ctx context.Context, url string, working bool, qualityScore int) error
}

// DonorFetcher downloads and parses one donor playlist.
type DonorFetcher func(ctx context.Context, donor models.Donor) ([]models.ChannelEntry, error)

// Coordinator owns the LOAD→PROBE→PARTITION→BACKUP→REWRITE→RESTORE cycle.
// All collaborators are passed in at construction; there is no process-wide
// mutable state.
type Coordinator struct {
	catalog    *catalog.Store
	runner     BatchRunner
	reprober   Reprober
	classifier *classify.Classifier
	donors     []models.Donor
	fetchDonor DonorFetcher
	recorder   Recorder     // optional
	cache      VerdictCache // optional

	// reverifyAfter guards PARTITION: a cached negative with a single
	// sample older than this is re-probed instead of trusted.
	reverifyAfter time.Duration
}

// Options bundles the coordinator's collaborators.
type Options struct {
	Catalog       *catalog.Store
	Runner        BatchRunner
	Reprober      Reprober
	Classifier    *classify.Classifier
	Donors        []models.Donor
	FetchDonor    DonorFetcher
	Recorder      Recorder
	Cache         VerdictCache
	ReverifyAfter time.Duration
}

func New(opts Options) *Coordinator {
	if opts.ReverifyAfter <= 0 {
		opts.ReverifyAfter = 3 * time.Hour
	}
	return &Coordinator{
		catalog:       opts.Catalog,
		runner:        opts.Runner,
		reprober:      opts.Reprober,
		classifier:    opts.Classifier,
		donors:        opts.Donors,
		fetchDonor:    opts.FetchDonor,
		recorder:      opts.Recorder,
		cache:         opts.Cache,
		reverifyAfter: opts.ReverifyAfter,
	}
}

// CategoryReport is the outcome of one category's cleanup cycle.
type CategoryReport struct {
	Category string
	Checked  int
	Kept     int
	Dropped  int
	Merged   int
	Restored int
	Skipped  bool
	Backup   string
	Err      error
}

// Report aggregates a whole run.
type Report struct {
	Started    time.Time
	Finished   time.Time
	Categories []CategoryReport
}

// Totals sums the per-category counters.
func (r *Report) Totals() (checked, kept, dropped, restored int) {
	for _, c := range r.Categories {
		checked += c.Checked
		kept += c.Kept
		dropped += c.Dropped
		restored += c.Restored
	}
	return
}

// Run processes every category in the catalog. A failing category is
// reported and skipped; it never aborts the rest of the run.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Started: time.Now()}
	categories, err := c.catalog.Categories()
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("run cancelled: %w", err)
		}
		cr := c.RunCategory(ctx, category)
		if cr.Err != nil {
			log.Printf("cleanup: category %s: %v", category, cr.Err)
		}
		report.Categories = append(report.Categories, cr)
	}
	report.Finished = time.Now()
	return report, nil
}

// RunCategory executes the full state machine for one category.
func (c *Coordinator) RunCategory(ctx context.Context, category string) CategoryReport {
	cr := CategoryReport{Category: category}

	// LOAD
	entries, err := c.catalog.Load(category)
	if err != nil {
		cr.Skipped = true
		if errors.Is(err, catalog.ErrCorrupt) {
			cr.Err = fmt.Errorf("corrupt category, skipping: %w", err)
		} else {
			cr.Err = fmt.Errorf("load: %w", err)
		}
		return cr
	}
	cr.Checked = len(entries)
	if len(entries) == 0 {
		return cr
	}

	// PROBE
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	verdicts := c.runner.RunBatch(ctx, urls, func(done, total int, v models.StreamVerdict) {
		log.Printf("cleanup: [%s] %d/%d %s working=%v", category, done, total, v.URL, v.Working)
	})
	c.record(ctx, category, verdicts)

	// PARTITION
	keep, drop := c.partition(ctx, category, entries, verdicts)
	cr.Dropped = len(drop)

	// MERGE — collapse same-channel entries that accumulated under
	// different URLs, keeping the best-scoring stream per channel.
	keep, merged := dedupe(keep, verdicts)
	cr.Kept = len(keep)
	cr.Merged = merged

	// BACKUP — rewriting without a recoverable copy is an error.
	backupPath, err := c.catalog.Backup(category)
	if err != nil {
		cr.Err = fmt.Errorf("backup failed, aborting rewrite: %w", err)
		cr.Kept = len(entries)
		cr.Dropped = 0
		return cr
	}
	cr.Backup = backupPath

	// REWRITE
	if err := c.catalog.Rewrite(category, keep); err != nil {
		cr.Err = fmt.Errorf("rewrite: %w", err)
		return cr
	}
	metrics.ChannelsDropped.WithLabelValues(category).Add(float64(len(drop)))
	metrics.ChannelsMerged.WithLabelValues(category).Add(float64(merged))

	// RESTORE — only a category that lost entries needs backfill.
	if len(drop) == 0 {
		return cr
	}
	restored, err := c.restore(ctx, category, keep)
	if err != nil {
		cr.Err = fmt.Errorf("restore: %w", err)
	}
	cr.Restored = restored
	metrics.ChannelsRestored.WithLabelValues(category).Add(float64(restored))
	return cr
}

// partition splits entries into keep and drop. Unverifiable entries (no
// verdict) fail closed. A cached single-sample negative older than the
// re-verification threshold is probed again before it may cause a drop.
func (c *Coordinator) partition(ctx context.Context, category string, entries []models.ChannelEntry, verdicts map[string]models.StreamVerdict) (keep, drop []models.ChannelEntry) {
	for _, e := range entries {
		v, ok := verdicts[e.URL]
		if !ok {
			drop = append(drop, e)
			continue
		}
		if !v.Working && c.staleSingleSample(v) && c.reprober != nil {
			fresh := c.reprober.Aggregate(ctx, e.URL)
			if c.cache != nil {
				// Replace the stale record so the next run trusts the
				// fresh outcome instead of re-probing again.
				if err := c.cache.Put(ctx, e.URL, fresh.Working, fresh.QualityScore); err != nil {
					log.Printf("cleanup: cache put %s: %v", e.URL, err)
				}
			}
			c.recordOne(ctx, category, fresh)
			v = fresh
		}
		if v.Working {
			keep = append(keep, e)
		} else {
			drop = append(drop, e)
		}
	}
	return keep, drop
}

// dedupe collapses entries whose normalized display names collide, keeping
// the one whose verdict scored highest. Donor refreshes accumulate the same
// channel under rotating URLs; without this pass a category grows one entry
// per historical URL.
func dedupe(entries []models.ChannelEntry, verdicts map[string]models.StreamVerdict) ([]models.ChannelEntry, int) {
	out := make([]models.ChannelEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	merged := 0
	for _, e := range entries {
		key := classify.NormalizeName(e.Name)
		if key == "" {
			out = append(out, e)
			continue
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, e)
			continue
		}
		merged++
		if verdicts[e.URL].QualityScore > verdicts[out[i].URL].QualityScore {
			out[i] = e
		}
	}
	return out, merged
}

// staleSingleSample reports whether a negative verdict rests on one cached
// observation old enough that trusting it for a destructive action would be
// reckless.
func (c *Coordinator) staleSingleSample(v models.StreamVerdict) bool {
	return v.FromCache && v.AttemptCount <= 1 && time.Since(v.CheckedAt) > c.reverifyAfter
}

// restore pulls replacement candidates from every enabled donor. A failing
// donor is logged and skipped; the others are still attempted. New channels
// are matched to existing entries by name similarity (URL refresh) or
// appended as new entries.
func (c *Coordinator) restore(ctx context.Context, category string, keep []models.ChannelEntry) (int, error) {
	if c.fetchDonor == nil || len(c.donors) == 0 {
		return 0, nil
	}
	current := make([]models.ChannelEntry, len(keep))
	copy(current, keep)
	restored := 0

	for _, donor := range c.donors {
		if !donor.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		candidates, err := c.fetchDonor(ctx, donor)
		if err != nil {
			log.Printf("cleanup: donor %s: %v", donor.Name, err)
			continue
		}
		for _, cand := range candidates {
			if c.classifier.Filtered(cand) {
				continue
			}
			got, ok := c.classifier.Categorize(cand)
			if !ok || got != category {
				continue
			}
			if catalog.FindByURL(current, cand.URL) >= 0 {
				continue
			}
			cand.Category = category
			if i := c.classifier.BestMatch(cand.Name, current); i >= 0 {
				// Same channel under a fresh URL: replace in place,
				// keeping the existing display name.
				cand.Name = current[i].Name
				current[i] = cand
			} else {
				current = append(current, cand)
			}
			restored++
		}
	}

	if restored > 0 {
		if err := c.catalog.Rewrite(category, current); err != nil {
			return 0, fmt.Errorf("rewrite after restore: %w", err)
		}
	}
	return restored, nil
}

func (c *Coordinator) record(ctx context.Context, category string, verdicts map[string]models.StreamVerdict) {
	if c.recorder == nil {
		return
	}
	for _, v := range verdicts {
		c.recordOne(ctx, category, v)
	}
}

func (c *Coordinator) recordOne(ctx context.Context, category string, v models.StreamVerdict) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordVerdict(ctx, category, v); err != nil {
		log.Printf("cleanup: record verdict %s: %v", v.URL, err)
	}
}
