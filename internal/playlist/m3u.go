package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/voyagen/streamkeeper/internal/models"
)

var (
	reAttr      = regexp.MustCompile(`([A-Za-z0-9-]+)="([^"]*)"`)
	reCommaName = regexp.MustCompile(`,([^\n\r\t]*)$`)
)

// ErrNotPlaylist is returned when the input has no recognizable EXTINF lines
// and no #EXTM3U header.
var ErrNotPlaylist = errors.New("not an M3U playlist")

// Parse reads an M3U playlist from r and returns its channel entries.
// Every key="value" attribute on the EXTINF line is preserved in Attrs.
// The display name comes from tvg-name, falling back to the text after the
// final comma, falling back to tvg-id. EXTINF lines without a following URL
// are skipped as malformed.
func Parse(r io.Reader) ([]models.ChannelEntry, error) {
	var entries []models.ChannelEntry
	scanner := bufio.NewScanner(r)
	// Some playlists carry very long EXTINF lines.
	const maxSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxSize)

	sawHeader := false
	var extinfLine string

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(strings.ToUpper(trimmed), "#EXTM3U"):
			sawHeader = true
		case strings.HasPrefix(strings.ToUpper(trimmed), "#EXTINF"):
			extinfLine = trimmed
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			// other directives (EXTVLCOPT etc.) are not round-tripped
		default:
			if extinfLine == "" {
				continue
			}
			entry, ok := entryFromEXTINF(extinfLine, trimmed)
			if ok {
				entries = append(entries, entry)
			}
			extinfLine = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader && len(entries) == 0 {
		return nil, ErrNotPlaylist
	}
	return entries, nil
}

func entryFromEXTINF(extinf, url string) (models.ChannelEntry, bool) {
	attrs := map[string]string{}
	for _, m := range reAttr.FindAllStringSubmatch(extinf, -1) {
		key := strings.ToLower(m[1])
		val := strings.TrimSpace(m[2])
		if val != "" {
			attrs[key] = val
		}
	}
	name := attrs["tvg-name"]
	if name == "" {
		if m := reCommaName.FindStringSubmatch(extinf); len(m) == 2 {
			name = strings.TrimSpace(m[1])
		}
	}
	if name == "" {
		name = attrs["tvg-id"]
	}
	if name == "" {
		return models.ChannelEntry{}, false
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return models.ChannelEntry{Name: name, URL: url, Attrs: attrs}, true
}

// attrOrder puts the conventional tvg attributes first when serializing.
var attrOrder = map[string]int{
	"tvg-id":      0,
	"tvg-name":    1,
	"tvg-logo":    2,
	"group-title": 3,
}

// Write emits entries as an M3U playlist: the #EXTM3U header, then one
// EXTINF metadata line plus one URL line per entry.
func Write(w io.Writer, entries []models.ChannelEntry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("#EXTM3U\n"); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := bw.WriteString(extinfLine(e)); err != nil {
			return err
		}
		if _, err := bw.WriteString(e.URL + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func extinfLine(e models.ChannelEntry) string {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, iok := attrOrder[keys[i]]
		oj, jok := attrOrder[keys[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	var b strings.Builder
	b.WriteString("#EXTINF:-1")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, e.Attrs[k])
	}
	b.WriteString(",")
	b.WriteString(e.Name)
	b.WriteString("\n")
	return b.String()
}
