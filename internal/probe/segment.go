package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// SegmentFetch verifies segmented streams end to end: fetch the manifest,
// resolve the child segment references, then fetch a small sample of the
// segments themselves. The manifest alone can answer 200 while every
// segment is broken, which is why this is the most accurate (and most
// expensive) method for HLS-style URLs.
type SegmentFetch struct {
	client    *http.Client
	userAgent string
	sample    int
	minBytes  int64
}

const manifestReadLimit = 256 * 1024

func NewSegmentFetch(timeout time.Duration, userAgent string, sample int, minBytes int64) *SegmentFetch {
	return &SegmentFetch{
		client:    newHTTPClient(timeout),
		userAgent: userAgent,
		sample:    sample,
		minBytes:  minBytes,
	}
}

func (s *SegmentFetch) Name() models.ProbeMethod { return models.MethodSegmentFetch }

// Applicable matches manifest-style URLs only.
func (s *SegmentFetch) Applicable(u *url.URL) bool {
	if !isHTTPScheme(u) {
		return false
	}
	lower := strings.ToLower(u.Path)
	if strings.HasSuffix(lower, ".m3u8") || strings.Contains(lower, ".m3u8") {
		return true
	}
	return strings.Contains(strings.ToLower(u.RawQuery), "m3u8")
}

func (s *SegmentFetch) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	start := time.Now()
	base, err := url.Parse(rawURL)
	if err != nil {
		return failed(s.Name(), start, "unparsable URL")
	}

	refs, status, err := s.fetchManifest(ctx, base)
	if err != nil {
		return failed(s.Name(), start, fmt.Sprintf("manifest: %v", err))
	}

	v := models.ProbeVerdict{
		Method:         s.Name(),
		StatusCode:     status,
		Latency:        time.Since(start),
		ContentChecked: true,
		Reachable:      true,
	}
	if len(refs) == 0 {
		v.Diagnostic = "manifest references no segments"
		v.Latency = time.Since(start)
		return v
	}

	// A master playlist references media playlists, not segments; follow
	// one level down before sampling.
	if strings.Contains(strings.ToLower(refs[0].Path), ".m3u8") {
		child, _, err := s.fetchManifest(ctx, refs[0])
		if err != nil {
			v.Diagnostic = fmt.Sprintf("variant manifest: %v", err)
			v.Latency = time.Since(start)
			return v
		}
		refs = child
		if len(refs) == 0 {
			v.Diagnostic = "variant manifest references no segments"
			v.Latency = time.Since(start)
			return v
		}
	}

	if len(refs) > s.sample {
		refs = refs[:s.sample]
	}
	good := 0
	var bytesRead int64
	var lastDiag string
	for _, ref := range refs {
		n, err := s.fetchSegment(ctx, ref)
		bytesRead += n
		if err != nil {
			lastDiag = err.Error()
			continue
		}
		if n >= s.minBytes {
			good++
		} else {
			lastDiag = fmt.Sprintf("segment %s: %d bytes", ref.Path, n)
		}
	}

	v.BytesRead = bytesRead
	v.Latency = time.Since(start)
	if good*2 > len(refs) {
		v.ContentPlausible = true
	} else {
		v.Diagnostic = fmt.Sprintf("%d/%d segments playable", good, len(refs))
		if lastDiag != "" {
			v.Diagnostic += "; " + lastDiag
		}
	}
	return v
}

// fetchManifest downloads a playlist and returns the resolved URLs of the
// entries it references.
func (s *SegmentFetch) fetchManifest(ctx context.Context, u *url.URL) ([]*url.URL, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, manifestReadLimit))
	scanner.Buffer(make([]byte, 0, 16*1024), 64*1024)
	first := true
	var refs []*url.URL
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, resp.StatusCode, fmt.Errorf("missing #EXTM3U header")
			}
			first = false
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			continue
		}
		refs = append(refs, u.ResolveReference(ref))
	}
	if err := scanner.Err(); err != nil {
		return nil, resp.StatusCode, err
	}
	if first {
		return nil, resp.StatusCode, fmt.Errorf("empty manifest")
	}
	return refs, resp.StatusCode, nil
}

// fetchSegment downloads one media segment, reading at most minBytes+1 so a
// plausible-sized payload can be confirmed without pulling the whole chunk.
func (s *SegmentFetch) fetchSegment(ctx context.Context, u *url.URL) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("segment HTTP %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, s.minBytes+1))
	if err != nil {
		return n, err
	}
	return n, nil
}
