package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// PartialBodyFetch issues a GET and reads only the first chunk of the body.
// Beyond transport reachability it sniffs the payload: a text response that
// carries a known interstitial phrase ("contact your provider" and friends)
// is a placeholder, not media, even when the status is 200.
type PartialBodyFetch struct {
	client    *http.Client
	userAgent string
	readLimit int64
	minBytes  int64
	phrases   []string
}

func NewPartialBodyFetch(timeout time.Duration, userAgent string, minBytes int64, phrases []string) *PartialBodyFetch {
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return &PartialBodyFetch{
		client:    newHTTPClient(timeout),
		userAgent: userAgent,
		readLimit: 1024,
		minBytes:  minBytes,
		phrases:   lowered,
	}
}

func (p *PartialBodyFetch) Name() models.ProbeMethod { return models.MethodPartialBodyFetch }

func (p *PartialBodyFetch) Applicable(u *url.URL) bool { return isHTTPScheme(u) }

func (p *PartialBodyFetch) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return failed(p.Name(), start, fmt.Sprintf("bad request: %v", err))
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return failed(p.Name(), start, fmt.Sprintf("get: %v", err))
	}
	defer resp.Body.Close()

	chunk, _ := io.ReadAll(io.LimitReader(resp.Body, p.readLimit))

	v := models.ProbeVerdict{
		Method:         p.Name(),
		StatusCode:     resp.StatusCode,
		BytesRead:      int64(len(chunk)),
		Latency:        time.Since(start),
		ContentChecked: true,
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		v.Diagnostic = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return v
	}
	v.Reachable = true

	if int64(len(chunk)) < p.minBytes {
		v.Diagnostic = fmt.Sprintf("empty body (%d bytes)", len(chunk))
		return v
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	body := strings.ToLower(string(chunk))

	if textish(contentType) {
		for _, phrase := range p.phrases {
			if strings.Contains(body, phrase) {
				v.Diagnostic = fmt.Sprintf("interstitial phrase: %q", phrase)
				return v
			}
		}
		// HTML is never a media payload; manifests and raw TS slip
		// through because they are not served as text/html.
		if strings.Contains(contentType, "text/html") && !strings.Contains(body, "#extm3u") {
			v.Diagnostic = "html response"
			return v
		}
	}
	v.ContentPlausible = true
	return v
}

func textish(contentType string) bool {
	return strings.Contains(contentType, "text/") ||
		strings.Contains(contentType, "html") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "xml")
}
