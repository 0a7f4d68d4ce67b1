package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voyagen/streamkeeper/internal/models"
)

// Config holds the whole application configuration. All probe thresholds
// and phrase lists are configuration, not constants: the optimal values are
// an ops tuning decision.
type Config struct {
	CatalogDir  string `yaml:"catalog_dir"`
	BackupDir   string `yaml:"backup_dir"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	UserAgent   string `yaml:"user_agent"`

	Donors     []models.Donor          `yaml:"donors"`
	Categories map[string]CategoryRule `yaml:"categories"`
	Filters    GlobalFilters           `yaml:"filters"`

	Probe   ProbeConfig   `yaml:"probe"`
	Cache   CacheConfig   `yaml:"cache"`
	Restore RestoreConfig `yaml:"restore"`
}

// CategoryRule assigns channels to a category by keyword match, with
// exclusions checked after a keyword hit.
type CategoryRule struct {
	Keywords []string `yaml:"keywords"`
	Exclude  []string `yaml:"exclude,omitempty"`
}

// GlobalFilters drops unwanted channels before categorization.
type GlobalFilters struct {
	ExcludeChannels []string `yaml:"exclude_channels,omitempty"`
	ExcludeGroups   []string `yaml:"exclude_groups,omitempty"`
}

// ProbeConfig tunes the verification pipeline.
type ProbeConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	BatchTimeout        time.Duration `yaml:"batch_timeout"`
	MinBodyBytes        int64         `yaml:"min_body_bytes"`
	MinTransferBytes    int64         `yaml:"min_transfer_bytes"`
	MinSpeedBps         float64       `yaml:"min_speed_bps"`
	MinSegmentBytes     int64         `yaml:"min_segment_bytes"`
	SegmentSample       int           `yaml:"segment_sample"`
	CurlBinary          string        `yaml:"curl_binary"`
	InterstitialPhrases []string      `yaml:"interstitial_phrases"`
}

// CacheConfig controls the result cache windows.
type CacheConfig struct {
	Path      string        `yaml:"path"`
	Freshness time.Duration `yaml:"freshness"`
	Retention time.Duration `yaml:"retention"`
	// ReverifyAfter is the age past which a single-sample negative cache
	// record is re-probed instead of trusted for a destructive drop.
	ReverifyAfter time.Duration `yaml:"reverify_after"`
}

// RestoreConfig controls donor-based channel restoration.
type RestoreConfig struct {
	MatchByName         bool    `yaml:"match_by_name"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// DefaultInterstitialPhrases are substrings (lowercase) whose presence in a
// text response marks it as a provider placeholder rather than media.
var DefaultInterstitialPhrases = []string{
	"contact your provider",
	"contact the provider",
	"access denied",
	"subscription required",
	"subscription expired",
	"channel unavailable",
	"channel blocked",
	"unavailable in your region",
	"обратитесь к поставщику",
	"подписка истекла",
	"требуется подписка",
	"доступ запрещен",
	"канал заблокирован",
	"канал недоступен",
}

// Load builds config from the environment. If DATABASE_URL, REDIS_URL and
// CATALOG_DIR are all unset, .env.local/.env files are consulted first.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" && os.Getenv("REDIS_URL") == "" && os.Getenv("CATALOG_DIR") == "" {
		loadEnvFiles()
	}
	c := &Config{
		CatalogDir:  os.Getenv("CATALOG_DIR"),
		BackupDir:   os.Getenv("BACKUP_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		UserAgent:   os.Getenv("PROBE_USER_AGENT"),
	}
	if s := os.Getenv("PROBE_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			c.Probe.Timeout = d
		}
	}
	c.applyDefaults()
	return c, nil
}

// LoadFromFile loads config from a YAML file and applies defaults.
// Environment variables DATABASE_URL and REDIS_URL override the file so
// credentials can stay out of checked-in configs.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.CatalogDir == "" {
		c.CatalogDir = "categories"
	}
	if c.BackupDir == "" {
		c.BackupDir = "backups/categories"
	}
	if c.UserAgent == "" {
		c.UserAgent = "VLC/3.0.0 LibVLC/3.0.0"
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 15 * time.Second
	}
	if c.Probe.MaxConcurrent <= 0 {
		c.Probe.MaxConcurrent = 15
	}
	if c.Probe.RetryAttempts < 0 {
		c.Probe.RetryAttempts = 0
	} else if c.Probe.RetryAttempts == 0 {
		c.Probe.RetryAttempts = 2
	}
	if c.Probe.RetryBackoff <= 0 {
		c.Probe.RetryBackoff = time.Second
	}
	if c.Probe.BatchTimeout <= 0 {
		c.Probe.BatchTimeout = 30 * time.Minute
	}
	if c.Probe.MinBodyBytes <= 0 {
		c.Probe.MinBodyBytes = 1
	}
	if c.Probe.MinTransferBytes <= 0 {
		c.Probe.MinTransferBytes = 1000
	}
	if c.Probe.MinSpeedBps <= 0 {
		c.Probe.MinSpeedBps = 1000 // a trickle below 1KB/s is a stalled stream
	}
	if c.Probe.MinSegmentBytes <= 0 {
		c.Probe.MinSegmentBytes = 1000
	}
	if c.Probe.SegmentSample <= 0 {
		c.Probe.SegmentSample = 3
	}
	if c.Probe.CurlBinary == "" {
		c.Probe.CurlBinary = "curl"
	}
	if len(c.Probe.InterstitialPhrases) == 0 {
		c.Probe.InterstitialPhrases = DefaultInterstitialPhrases
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "streamkeeper.db"
	}
	if c.Cache.Freshness <= 0 {
		c.Cache.Freshness = 6 * time.Hour
	}
	if c.Cache.Retention <= 0 {
		c.Cache.Retention = 7 * 24 * time.Hour
	}
	if c.Cache.ReverifyAfter <= 0 {
		c.Cache.ReverifyAfter = 3 * time.Hour
	}
	if c.Restore.SimilarityThreshold <= 0 {
		c.Restore.SimilarityThreshold = 0.8
	}
}
