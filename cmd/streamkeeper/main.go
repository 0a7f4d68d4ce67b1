package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voyagen/streamkeeper/internal/cache"
	"github.com/voyagen/streamkeeper/internal/catalog"
	"github.com/voyagen/streamkeeper/internal/classify"
	"github.com/voyagen/streamkeeper/internal/cleanup"
	"github.com/voyagen/streamkeeper/internal/config"
	"github.com/voyagen/streamkeeper/internal/history"
	"github.com/voyagen/streamkeeper/internal/metrics"
	"github.com/voyagen/streamkeeper/internal/models"
	"github.com/voyagen/streamkeeper/internal/playlist"
	"github.com/voyagen/streamkeeper/internal/probe"
	"github.com/voyagen/streamkeeper/internal/verify"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment")
	category := flag.String("category", "", "Process a single category instead of the whole catalog")
	report := flag.Bool("report", false, "Print the health report from the history database and exit")
	worker := flag.Bool("worker", false, "Consume recheck jobs from the Redis queue instead of running once")
	enqueue := flag.String("enqueue", "", "Enqueue a recheck job for the named category (or 'all') and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional verdict history in Postgres.
	var hist *history.Store
	if cfg.DatabaseURL != "" {
		migrationsPath := "file://" + absMigrationsDir()
		if err := history.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		hist, err = history.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "db: %v\n", err)
			os.Exit(1)
		}
		defer hist.Close()
		fmt.Fprintln(os.Stderr, "verdict history enabled (postgres)")
	} else {
		fmt.Fprintln(os.Stderr, "verdict history disabled (DATABASE_URL not set)")
	}

	if *report {
		if hist == nil {
			fmt.Fprintln(os.Stderr, "report requires DATABASE_URL")
			os.Exit(1)
		}
		printHealthReport(ctx, hist)
		return
	}

	// Result cache: Redis when configured, the local SQLite file otherwise.
	var rds *cache.Redis
	var resultCache cache.Store
	if cfg.RedisURL != "" {
		rds, err = cache.NewRedis(cfg.RedisURL, cfg.Cache.Freshness, cfg.Cache.Retention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			os.Exit(1)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "redis ping: %v\n", err)
			os.Exit(1)
		}
		resultCache = rds
		fmt.Fprintln(os.Stderr, "result cache: redis")
	} else {
		sq, err := cache.OpenSQLite(cfg.Cache.Path, cfg.Cache.Freshness)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cache: %v\n", err)
			os.Exit(1)
		}
		defer sq.Close()
		resultCache = sq
		fmt.Fprintf(os.Stderr, "result cache: sqlite (%s)\n", cfg.Cache.Path)
	}

	if *enqueue != "" {
		if rds == nil {
			fmt.Fprintln(os.Stderr, "enqueue requires REDIS_URL")
			os.Exit(1)
		}
		cat := *enqueue
		if cat == "all" {
			cat = ""
		}
		job := cache.RecheckJob{Category: cat, RequestedAt: time.Now()}
		if err := rds.Enqueue(ctx, cache.DefaultQueue, job); err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	// Evict cache records past the retention horizon before probing.
	if n, err := resultCache.Evict(ctx, cfg.Cache.Retention); err != nil {
		log.Printf("cache evict: %v", err)
	} else if n > 0 {
		log.Printf("cache: evicted %d stale records", n)
	}

	coord := buildCoordinator(cfg, resultCache, hist)

	if *worker {
		if rds == nil {
			fmt.Fprintln(os.Stderr, "worker mode requires REDIS_URL")
			os.Exit(1)
		}
		runWorker(ctx, rds, coord)
		return
	}

	if *category != "" {
		cr := runLocked(ctx, rds, coord, *category)
		printCategoryReport(cr)
		if cr.Err != nil {
			os.Exit(1)
		}
		return
	}

	runReport, err := coord.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	printRunReport(runReport)
}

// buildCoordinator wires the pipeline from configuration.
func buildCoordinator(cfg *config.Config, resultCache cache.Store, hist *history.Store) *cleanup.Coordinator {
	methods := probe.DefaultMethods(cfg.Probe, cfg.UserAgent)
	agg := probe.NewAggregator(methods, cfg.Probe.RetryAttempts, cfg.Probe.RetryBackoff)
	scheduler := verify.New(agg, resultCache, cfg.Probe.MaxConcurrent, cfg.Probe.BatchTimeout)
	classifier := classify.New(cfg.Categories, cfg.Filters, cfg.Restore.SimilarityThreshold)
	cat := catalog.New(cfg.CatalogDir, cfg.BackupDir)

	fetch := func(ctx context.Context, donor models.Donor) ([]models.ChannelEntry, error) {
		return playlist.FetchDonor(ctx, donor, cfg.UserAgent, cfg.Probe.Timeout*2)
	}

	opts := cleanup.Options{
		Catalog:       cat,
		Runner:        scheduler,
		Reprober:      agg,
		Classifier:    classifier,
		Donors:        cfg.Donors,
		FetchDonor:    fetch,
		Cache:         resultCache,
		ReverifyAfter: cfg.Cache.ReverifyAfter,
	}
	if hist != nil {
		opts.Recorder = hist
	}
	return cleanup.New(opts)
}

// runLocked runs one category under the distributed lock when Redis is
// available, so concurrent workers never rewrite the same category.
func runLocked(ctx context.Context, rds *cache.Redis, coord *cleanup.Coordinator, category string) cleanup.CategoryReport {
	if rds != nil {
		unlock, err := rds.TryLock(ctx, category, 30*time.Minute)
		if err != nil {
			return cleanup.CategoryReport{Category: category, Skipped: true, Err: err}
		}
		defer unlock()
	}
	return coord.RunCategory(ctx, category)
}

// runWorker continuously dequeues recheck jobs and processes them.
// It stops when ctx is cancelled (graceful shutdown).
func runWorker(ctx context.Context, rds *cache.Redis, coord *cleanup.Coordinator) {
	log.Println("recheck worker started")
	for {
		select {
		case <-ctx.Done():
			log.Println("recheck worker stopping")
			return
		default:
		}

		job, err := rds.Dequeue(ctx, cache.DefaultQueue, 5*time.Second)
		if err != nil {
			log.Printf("recheck worker: dequeue error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue // timeout, loop back to check ctx
		}

		if job.Category == "" {
			log.Printf("recheck worker: full catalog run")
			if report, err := coord.Run(ctx); err != nil {
				log.Printf("recheck worker: run: %v", err)
			} else {
				printRunReport(report)
			}
			continue
		}
		log.Printf("recheck worker: category %q", job.Category)
		cr := runLocked(ctx, rds, coord, job.Category)
		printCategoryReport(cr)
	}
}

func printCategoryReport(cr cleanup.CategoryReport) {
	status := "ok"
	if cr.Err != nil {
		status = cr.Err.Error()
	}
	log.Printf("category %s: checked=%d kept=%d dropped=%d merged=%d restored=%d (%s)",
		cr.Category, cr.Checked, cr.Kept, cr.Dropped, cr.Merged, cr.Restored, status)
}

func printRunReport(r *cleanup.Report) {
	for _, cr := range r.Categories {
		printCategoryReport(cr)
	}
	checked, kept, dropped, restored := r.Totals()
	log.Printf("run finished in %s: checked=%d kept=%d dropped=%d restored=%d",
		r.Finished.Sub(r.Started).Round(time.Second), checked, kept, dropped, restored)
}

func printHealthReport(ctx context.Context, hist *history.Store) {
	report, err := hist.Report(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("generated:        %s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("total checks:     %d\n", report.TotalChecks)
	fmt.Printf("distinct streams: %d\n", report.DistinctStreams)
	fmt.Printf("working:          %d\n", report.WorkingStreams)
	fmt.Printf("dead:             %d\n", report.DeadStreams)
	fmt.Printf("avg quality:      %.1f\n", report.AverageQualityScore)
	fmt.Printf("stale (14d+):     %d\n", report.StaleStreams)
	fmt.Printf("low quality:      %d\n", report.LowQualityStreams)
	for cat, n := range report.CategoryCounts {
		fmt.Printf("  %-20s %d working\n", cat, n)
	}
}

// absMigrationsDir finds the migrations directory next to the working
// directory or the executable.
func absMigrationsDir() string {
	abs, err := filepath.Abs("migrations")
	if err != nil {
		abs = "migrations"
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), "migrations")
		}
	}
	return abs
}
