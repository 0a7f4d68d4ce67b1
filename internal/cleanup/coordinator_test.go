package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voyagen/streamkeeper/internal/catalog"
	"github.com/voyagen/streamkeeper/internal/classify"
	"github.com/voyagen/streamkeeper/internal/config"
	"github.com/voyagen/streamkeeper/internal/models"
	"github.com/voyagen/streamkeeper/internal/verify"
)

// fakeRunner returns a scripted verdict per URL.
type fakeRunner struct {
	verdicts map[string]models.StreamVerdict
	dead     map[string]bool
}

func (f *fakeRunner) RunBatch(ctx context.Context, urls []string, progress verify.Progress) map[string]models.StreamVerdict {
	out := make(map[string]models.StreamVerdict, len(urls))
	for i, u := range urls {
		v, ok := f.verdicts[u]
		if !ok {
			v = models.StreamVerdict{URL: u, Working: !f.dead[u], CheckedAt: time.Now()}
		}
		out[u] = v
		if progress != nil {
			progress(i+1, len(urls), v)
		}
	}
	return out
}

type fakeReprober struct {
	mu      sync.Mutex
	calls   []string
	working bool
}

func (f *fakeReprober) Aggregate(ctx context.Context, url string) models.StreamVerdict {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	return models.StreamVerdict{URL: url, Working: f.working, CheckedAt: time.Now(), AttemptCount: 1}
}

type fakeRecorder struct {
	mu       sync.Mutex
	verdicts []models.StreamVerdict
}

func (f *fakeRecorder) RecordVerdict(ctx context.Context, category string, v models.StreamVerdict) error {
	f.mu.Lock()
	f.verdicts = append(f.verdicts, v)
	f.mu.Unlock()
	return nil
}

type cachePut struct {
	url     string
	working bool
	score   int
}

type fakeVerdictCache struct {
	mu   sync.Mutex
	puts []cachePut
}

func (f *fakeVerdictCache) Put(ctx context.Context, url string, working bool, qualityScore int) error {
	f.mu.Lock()
	f.puts = append(f.puts, cachePut{url: url, working: working, score: qualityScore})
	f.mu.Unlock()
	return nil
}

func sportClassifier() *classify.Classifier {
	rules := map[string]config.CategoryRule{
		"sport": {Keywords: []string{"sport"}},
	}
	filters := config.GlobalFilters{ExcludeChannels: []string{"xxx"}}
	return classify.New(rules, filters, 0.8)
}

func seedSport(t *testing.T, store *catalog.Store, n int) []models.ChannelEntry {
	t.Helper()
	entries := make([]models.ChannelEntry, 0, n)
	words := []string{"One", "Two", "Three", "Four", "Five", "Six", "Seven", "Eight", "Nine", "Ten"}
	for i := 0; i < n; i++ {
		entries = append(entries, models.ChannelEntry{
			Name: "Sport " + words[i],
			URL:  fmt.Sprintf("http://host/s%d", i+1),
		})
	}
	if err := store.Rewrite("sport", entries); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return entries
}

func TestRunCategoryDropsDeadAndRestores(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))
	seedSport(t, store, 10)

	runner := &fakeRunner{dead: map[string]bool{
		"http://host/s2": true,
		"http://host/s5": true,
		"http://host/s9": true,
	}}
	recorder := &fakeRecorder{}

	donorCalls := 0
	donors := []models.Donor{
		{Name: "disabled", URL: "http://disabled", Enabled: false},
		{Name: "primary", URL: "http://donor", Enabled: true},
	}
	fetch := func(ctx context.Context, donor models.Donor) ([]models.ChannelEntry, error) {
		donorCalls++
		return []models.ChannelEntry{
			// Same URL as a kept entry: skipped.
			{Name: "Sport One Mirror", URL: "http://host/s1"},
			// Name-similar to kept "Sport Three": URL refreshed in place.
			{Name: "sport three hd", URL: "http://donor/three-new"},
			// Brand new sport channel: appended.
			{Name: "Extra Sport", URL: "http://donor/extra"},
			// No category rule matches: skipped.
			{Name: "Cinema Hall", URL: "http://donor/cinema"},
			// Globally filtered: skipped.
			{Name: "XXX Sport", URL: "http://donor/filtered"},
		}, nil
	}

	coord := New(Options{
		Catalog:    store,
		Runner:     runner,
		Classifier: sportClassifier(),
		Donors:     donors,
		FetchDonor: fetch,
		Recorder:   recorder,
	})

	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err != nil {
		t.Fatalf("RunCategory: %v", cr.Err)
	}
	if cr.Checked != 10 || cr.Kept != 7 || cr.Dropped != 3 {
		t.Errorf("counters: %+v", cr)
	}
	if cr.Restored != 2 {
		t.Errorf("restored: got %d, want 2", cr.Restored)
	}
	if donorCalls != 1 {
		t.Errorf("only the enabled donor should be fetched, got %d calls", donorCalls)
	}
	if cr.Backup == "" {
		t.Fatal("backup path missing")
	}

	// The backup holds the pre-rewrite catalog.
	backupData, err := os.ReadFile(cr.Backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if got := countEntries(string(backupData)); got != 10 {
		t.Errorf("backup entries: got %d, want 10", got)
	}

	final, err := store.Load("sport")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// 7 kept, one URL refreshed in place, one appended.
	if len(final) != 8 {
		t.Fatalf("final entries: got %d, want 8", len(final))
	}
	if i := catalog.FindByURL(final, "http://host/s2"); i >= 0 {
		t.Errorf("dead entry survived the rewrite")
	}
	i := catalog.FindByURL(final, "http://donor/three-new")
	if i < 0 {
		t.Fatalf("refreshed URL missing: %+v", final)
	}
	if final[i].Name != "Sport Three" {
		t.Errorf("in-place refresh must keep the existing name, got %q", final[i].Name)
	}
	if catalog.FindByURL(final, "http://donor/extra") < 0 {
		t.Errorf("new channel not appended")
	}
	if catalog.FindByURL(final, "http://donor/filtered") >= 0 || catalog.FindByURL(final, "http://donor/cinema") >= 0 {
		t.Errorf("skipped candidates leaked in: %+v", final)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.verdicts) != 10 {
		t.Errorf("expected 10 recorded verdicts, got %d", len(recorder.verdicts))
	}
}

func countEntries(m3u string) int {
	n := 0
	for _, line := range strings.Split(m3u, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	return n
}

func TestRunCategoryNoDropsSkipsRestore(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))
	seedSport(t, store, 3)

	donorCalls := 0
	coord := New(Options{
		Catalog:    store,
		Runner:     &fakeRunner{},
		Classifier: sportClassifier(),
		Donors:     []models.Donor{{Name: "d", URL: "http://d", Enabled: true}},
		FetchDonor: func(ctx context.Context, donor models.Donor) ([]models.ChannelEntry, error) {
			donorCalls++
			return nil, nil
		},
	})

	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err != nil {
		t.Fatalf("RunCategory: %v", cr.Err)
	}
	if cr.Dropped != 0 || cr.Restored != 0 {
		t.Errorf("counters: %+v", cr)
	}
	if donorCalls != 0 {
		t.Errorf("restore must not run without drops")
	}
	// The backup is still taken before any rewrite.
	if cr.Backup == "" {
		t.Errorf("backup missing")
	}
}

func TestRunCategoryBackupFailureAbortsRewrite(t *testing.T) {
	dir := t.TempDir()
	// A file where the backup directory should be makes MkdirAll fail.
	backupPath := filepath.Join(dir, "backups")
	if err := os.WriteFile(backupPath, []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := catalog.New(filepath.Join(dir, "categories"), backupPath)
	seedSport(t, store, 4)

	coord := New(Options{
		Catalog:    store,
		Runner:     &fakeRunner{dead: map[string]bool{"http://host/s1": true}},
		Classifier: sportClassifier(),
	})

	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err == nil {
		t.Fatal("expected backup failure")
	}
	if cr.Dropped != 0 || cr.Kept != 4 {
		t.Errorf("a failed backup must not report drops: %+v", cr)
	}
	entries, err := store.Load("sport")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("catalog must be untouched, got %d entries", len(entries))
	}
}

func TestRunCategoryCorruptFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	catDir := filepath.Join(dir, "categories")
	if err := os.MkdirAll(catDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(catDir, "bad.m3u"), []byte("<html>nope</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := catalog.New(catDir, filepath.Join(dir, "backups"))

	coord := New(Options{Catalog: store, Runner: &fakeRunner{}, Classifier: sportClassifier()})
	cr := coord.RunCategory(context.Background(), "bad")
	if !cr.Skipped {
		t.Errorf("corrupt category must be skipped: %+v", cr)
	}
	if !errors.Is(cr.Err, catalog.ErrCorrupt) {
		t.Errorf("error should wrap ErrCorrupt: %v", cr.Err)
	}
}

func TestRunCategoryMissingVerdictFailsClosed(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))
	seedSport(t, store, 2)

	// The runner loses one URL entirely.
	runner := &lossyRunner{inner: &fakeRunner{}, lose: "http://host/s2"}
	coord := New(Options{Catalog: store, Runner: runner, Classifier: sportClassifier()})
	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err != nil {
		t.Fatalf("RunCategory: %v", cr.Err)
	}
	if cr.Kept != 1 || cr.Dropped != 1 {
		t.Errorf("unverifiable entry must fail closed: %+v", cr)
	}
}

// lossyRunner drops one URL from the result map.
type lossyRunner struct {
	inner BatchRunner
	lose  string
}

func (l *lossyRunner) RunBatch(ctx context.Context, urls []string, progress verify.Progress) map[string]models.StreamVerdict {
	out := l.inner.RunBatch(ctx, urls, nil)
	delete(out, l.lose)
	return out
}

func TestRunCategoryStaleSingleSampleIsReprobed(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))
	seedSport(t, store, 2)

	// s1: stale single-sample cached negative. s2: confirmed fresh negative.
	runner := &fakeRunner{verdicts: map[string]models.StreamVerdict{
		"http://host/s1": {
			URL: "http://host/s1", Working: false,
			CheckedAt: time.Now().Add(-5 * time.Hour), FromCache: true, AttemptCount: 1,
		},
		"http://host/s2": {
			URL: "http://host/s2", Working: false,
			CheckedAt: time.Now(), FromCache: false, AttemptCount: 3,
		},
	}}
	reprober := &fakeReprober{working: true}
	recorder := &fakeRecorder{}
	verdictCache := &fakeVerdictCache{}

	coord := New(Options{
		Catalog:       store,
		Runner:        runner,
		Reprober:      reprober,
		Recorder:      recorder,
		Cache:         verdictCache,
		Classifier:    sportClassifier(),
		ReverifyAfter: 3 * time.Hour,
	})

	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err != nil {
		t.Fatalf("RunCategory: %v", cr.Err)
	}
	// The stale negative turned out alive; the fresh negative is dropped.
	if cr.Kept != 1 || cr.Dropped != 1 {
		t.Errorf("counters: %+v", cr)
	}
	reprober.mu.Lock()
	calls := append([]string(nil), reprober.calls...)
	reprober.mu.Unlock()
	if len(calls) != 1 || calls[0] != "http://host/s1" {
		t.Errorf("re-probe calls: %v", calls)
	}

	// The fresh outcome replaces the stale cache record.
	verdictCache.mu.Lock()
	puts := append([]cachePut(nil), verdictCache.puts...)
	verdictCache.mu.Unlock()
	if len(puts) != 1 || puts[0].url != "http://host/s1" || !puts[0].working {
		t.Errorf("cache puts: %+v", puts)
	}

	entries, err := store.Load("sport")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if catalog.FindByURL(entries, "http://host/s1") < 0 {
		t.Errorf("re-verified entry must be kept: %+v", entries)
	}
}

func TestRunCategoryMergesDuplicateChannels(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))
	if err := store.Rewrite("sport", []models.ChannelEntry{
		{Name: "РБК HD", URL: "http://host/rbc-old"},
		{Name: "Sport One", URL: "http://host/s1"},
		{Name: "рбк  HD!", URL: "http://host/rbc-new"},
	}); err != nil {
		t.Fatal(err)
	}

	// Both РБК URLs work; the newer one streams better.
	runner := &fakeRunner{verdicts: map[string]models.StreamVerdict{
		"http://host/rbc-old": {URL: "http://host/rbc-old", Working: true, QualityScore: 40, CheckedAt: time.Now()},
		"http://host/rbc-new": {URL: "http://host/rbc-new", Working: true, QualityScore: 80, CheckedAt: time.Now()},
		"http://host/s1":      {URL: "http://host/s1", Working: true, QualityScore: 60, CheckedAt: time.Now()},
	}}

	coord := New(Options{Catalog: store, Runner: runner, Classifier: sportClassifier()})
	cr := coord.RunCategory(context.Background(), "sport")
	if cr.Err != nil {
		t.Fatalf("RunCategory: %v", cr.Err)
	}
	if cr.Checked != 3 || cr.Kept != 2 || cr.Merged != 1 || cr.Dropped != 0 {
		t.Errorf("counters: %+v", cr)
	}

	final, err := store.Load("sport")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(final) != 2 {
		t.Fatalf("final entries: %+v", final)
	}
	if catalog.FindByURL(final, "http://host/rbc-new") < 0 {
		t.Errorf("best-scoring duplicate must survive: %+v", final)
	}
	if catalog.FindByURL(final, "http://host/rbc-old") >= 0 {
		t.Errorf("worse duplicate must be merged away: %+v", final)
	}
	if catalog.FindByURL(final, "http://host/s1") < 0 {
		t.Errorf("unique channel must be untouched: %+v", final)
	}
}

func TestDedupe(t *testing.T) {
	entries := []models.ChannelEntry{
		{Name: "CNN", URL: "http://a"},
		{Name: "cnn!", URL: "http://b"},
		{Name: "CNN", URL: "http://c"},
		{Name: "BBC", URL: "http://d"},
	}
	verdicts := map[string]models.StreamVerdict{
		"http://a": {QualityScore: 30},
		"http://b": {QualityScore: 90},
		"http://c": {QualityScore: 60},
		"http://d": {QualityScore: 50},
	}
	out, merged := dedupe(entries, verdicts)
	if merged != 2 {
		t.Errorf("merged: got %d, want 2", merged)
	}
	if len(out) != 2 {
		t.Fatalf("out: %+v", out)
	}
	// The survivor keeps its original position.
	if out[0].URL != "http://b" || out[1].URL != "http://d" {
		t.Errorf("out: %+v", out)
	}
}

func TestRunProcessesAllCategories(t *testing.T) {
	dir := t.TempDir()
	store := catalog.New(filepath.Join(dir, "categories"), filepath.Join(dir, "backups"))

	if err := store.Rewrite("movies", []models.ChannelEntry{
		{Name: "Movie One", URL: "http://host/m1"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Rewrite("sport", []models.ChannelEntry{
		{Name: "Sport One", URL: "http://host/s1"},
		{Name: "Sport Two", URL: "http://host/s2"},
	}); err != nil {
		t.Fatal(err)
	}

	coord := New(Options{
		Catalog:    store,
		Runner:     &fakeRunner{dead: map[string]bool{"http://host/s2": true}},
		Classifier: sportClassifier(),
	})

	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Categories) != 2 {
		t.Fatalf("categories: %+v", report.Categories)
	}
	checked, kept, dropped, restored := report.Totals()
	if checked != 3 || kept != 2 || dropped != 1 || restored != 0 {
		t.Errorf("totals: checked=%d kept=%d dropped=%d restored=%d", checked, kept, dropped, restored)
	}
	if report.Finished.Before(report.Started) {
		t.Errorf("report timestamps: %+v", report)
	}
}
