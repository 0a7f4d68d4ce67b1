package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// HeaderFetch issues a metadata-only HEAD request following redirects.
// It is the cheapest method: it can prove unreachability fast, but many
// dead streams still answer 200 on a placeholder page, so it reports
// ContentPlausible=true with ContentChecked=false and lets content-aware
// methods overrule it.
type HeaderFetch struct {
	client    *http.Client
	userAgent string
}

func NewHeaderFetch(timeout time.Duration, userAgent string) *HeaderFetch {
	return &HeaderFetch{client: newHTTPClient(timeout), userAgent: userAgent}
}

func (h *HeaderFetch) Name() models.ProbeMethod { return models.MethodHeaderFetch }

func (h *HeaderFetch) Applicable(u *url.URL) bool { return isHTTPScheme(u) }

func (h *HeaderFetch) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return failed(h.Name(), start, fmt.Sprintf("bad request: %v", err))
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return failed(h.Name(), start, fmt.Sprintf("head: %v", err))
	}
	defer resp.Body.Close()

	v := models.ProbeVerdict{
		Method:     h.Name(),
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
	if !successStatus[resp.StatusCode] {
		v.Diagnostic = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return v
	}
	v.Reachable = true
	v.ContentPlausible = true // cannot disprove liveness from headers alone
	return v
}
