package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/voyagen/streamkeeper/internal/classify"
	"github.com/voyagen/streamkeeper/internal/models"
	"github.com/voyagen/streamkeeper/internal/playlist"
)

// Store persists the channel catalog as one M3U file per category under a
// directory. Rewrites are atomic (temp file + rename) so a concurrent reader
// never observes a half-written category.
type Store struct {
	dir       string
	backupDir string
}

// ErrCorrupt wraps category files that cannot be parsed; the coordinator
// skips such categories and reports them instead of silently dropping data.
var ErrCorrupt = errors.New("corrupt category file")

func New(dir, backupDir string) *Store {
	return &Store{dir: dir, backupDir: backupDir}
}

func (s *Store) path(category string) string {
	return filepath.Join(s.dir, category+".m3u")
}

// Categories lists category ids, derived from *.m3u file names.
func (s *Store) Categories() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var cats []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".m3u") {
			cats = append(cats, strings.TrimSuffix(name, ".m3u"))
		}
	}
	sort.Strings(cats)
	return cats, nil
}

// Load reads all entries of a category. A missing file is an empty
// category, not an error; an unparsable file is reported as ErrCorrupt.
func (s *Store) Load(category string) ([]models.ChannelEntry, error) {
	f, err := os.Open(s.path(category))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open category %s: %w", category, err)
	}
	defer f.Close()
	entries, err := playlist.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, category, err)
	}
	for i := range entries {
		entries[i].Category = category
	}
	return entries, nil
}

// Rewrite atomically replaces the category contents with entries.
func (s *Store) Rewrite(category string, entries []models.ChannelEntry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir catalog: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, category+".m3u.tmp*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := playlist.Write(tmp, entries); err != nil {
		tmp.Close()
		return fmt.Errorf("write category %s: %w", category, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(category)); err != nil {
		return fmt.Errorf("rename category %s: %w", category, err)
	}
	return nil
}

// Append adds one entry to a category, creating the category if needed.
func (s *Store) Append(category string, entry models.ChannelEntry) error {
	entries, err := s.Load(category)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	return s.Rewrite(category, entries)
}

// Backup copies the current category file into the backup directory with a
// timestamp suffix and returns the backup path. Backing up a category that
// does not exist yet is a no-op.
func (s *Store) Backup(category string) (string, error) {
	src, err := os.Open(s.path(category))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir backup dir: %w", err)
	}
	stamp := time.Now().Format("20060102_150405")
	dstPath := filepath.Join(s.backupDir, fmt.Sprintf("%s.m3u.backup.%s", category, stamp))
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return dstPath, nil
}

// FindByURL returns the index of the entry with the given stream URL, or -1.
func FindByURL(entries []models.ChannelEntry, url string) int {
	for i, e := range entries {
		if e.URL == url {
			return i
		}
	}
	return -1
}

// FindByNormalizedName returns the index of the first entry whose
// normalized display name equals that of name, or -1.
func FindByNormalizedName(entries []models.ChannelEntry, name string) int {
	want := classify.NormalizeName(name)
	for i, e := range entries {
		if classify.NormalizeName(e.Name) == want {
			return i
		}
	}
	return -1
}
