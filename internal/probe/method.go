// Package probe implements the stream-liveness verification pipeline:
// independent probe methods that each test one URL, and an aggregator that
// fans them out, retries, and reduces their verdicts to a single decision.
package probe

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// Method is one interchangeable probing technique. Probe never returns an
// error and never panics: every failure mode (timeout, DNS, TLS, spawn
// failure, malformed response) collapses into Reachable=false with a
// diagnostic. Methods are safe to run concurrently.
type Method interface {
	Name() models.ProbeMethod
	// Applicable reports whether this method can say anything meaningful
	// about the URL (e.g. SegmentFetch only applies to manifest URLs).
	Applicable(u *url.URL) bool
	Probe(ctx context.Context, rawURL string) models.ProbeVerdict
}

// successStatus is the status class treated as transport-level success.
var successStatus = map[int]bool{
	200: true, 206: true, 301: true, 302: true, 307: true, 308: true,
}

// newHTTPClient builds the shared probing client. TLS verification is
// disabled: IPTV upstreams routinely serve self-signed or expired certs and
// a cert failure must not look like a dead stream.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
		},
	}
}

func failed(method models.ProbeMethod, start time.Time, diag string) models.ProbeVerdict {
	return models.ProbeVerdict{
		Method:     method,
		Reachable:  false,
		Latency:    time.Since(start),
		Diagnostic: diag,
	}
}

func isHTTPScheme(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}
