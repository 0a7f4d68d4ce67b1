package classify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/voyagen/streamkeeper/internal/config"
	"github.com/voyagen/streamkeeper/internal/models"
)

type namedRule struct {
	category string
	rule     config.CategoryRule
}

// Classifier assigns donor channels to catalog categories by keyword match
// and matches restored channels to existing entries by name similarity.
// It is a pure function holder: no side effects, safe for concurrent use.
type Classifier struct {
	rules     []namedRule
	filters   config.GlobalFilters
	threshold float64
}

// New builds a classifier. Rules are evaluated in sorted category-name order
// so a channel matching several categories always lands in the same one.
func New(rules map[string]config.CategoryRule, filters config.GlobalFilters, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = 0.8
	}
	ordered := make([]namedRule, 0, len(rules))
	for category, rule := range rules {
		ordered = append(ordered, namedRule{category: category, rule: rule})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].category < ordered[j].category })
	return &Classifier{rules: ordered, filters: filters, threshold: threshold}
}

// Categorize returns the category for a channel, or ok=false when no rule
// matches. The channel name and its group-title attribute are searched for
// category keywords; a hit is discarded if any exclusion word also matches.
func (c *Classifier) Categorize(e models.ChannelEntry) (string, bool) {
	text := strings.ToLower(e.Name + " " + e.Attr("group-title"))
	for _, nr := range c.rules {
		if !containsAny(text, nr.rule.Keywords) {
			continue
		}
		if containsAny(text, nr.rule.Exclude) {
			continue
		}
		return nr.category, true
	}
	return "", false
}

// Filtered reports whether global filters exclude this channel entirely.
func (c *Classifier) Filtered(e models.ChannelEntry) bool {
	name := strings.ToLower(e.Name)
	if containsAny(name, c.filters.ExcludeChannels) {
		return true
	}
	group := strings.ToLower(e.Attr("group-title"))
	return group != "" && containsAny(group, c.filters.ExcludeGroups)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(text, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

var reNonWord = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
var reSpaces = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a channel name and strips punctuation so that
// "РБК HD" and "рбк-hd" compare equal.
func NormalizeName(name string) string {
	s := reNonWord.ReplaceAllString(strings.ToLower(name), "")
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

// Similarity scores two channel names in [0,1]: 1.0 for equal normalized
// names, 0.8 for containment, else word-set Jaccard overlap.
func Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}
	wa := wordSet(na)
	wb := wordSet(nb)
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

// BestMatch returns the index of the entry whose name is most similar to
// name, or -1 when nothing reaches the classifier's threshold.
func (c *Classifier) BestMatch(name string, entries []models.ChannelEntry) int {
	best := -1
	bestScore := 0.0
	for i, e := range entries {
		score := Similarity(name, e.Name)
		if score >= c.threshold && score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}
