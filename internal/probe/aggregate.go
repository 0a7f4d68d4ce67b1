package probe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// passthroughSchemes are transports the HTTP-based methods cannot probe for
// content. Treating them as always-broken would purge valid entries, so
// they pass verification with only socket-level reachability asserted —
// a deliberate bias toward false positives over destructive false negatives.
var passthroughSchemes = map[string]bool{
	"rtmp": true, "rtmps": true, "rtsp": true,
	"udp": true, "rtp": true, "mms": true, "mmsh": true,
}

// Aggregator runs a set of probe methods against one URL and reduces their
// verdicts into a single StreamVerdict. Methods within a round run
// concurrently and are never short-circuited: one method's false negative
// must not discard signal from the others. Retries are strictly sequential
// so the backoff interval stays meaningful.
type Aggregator struct {
	methods       []Method
	retryAttempts int
	backoff       time.Duration
}

// NewAggregator builds an aggregator over the given methods. retryAttempts
// is the number of additional rounds after the first; backoff is the pause
// between rounds.
func NewAggregator(methods []Method, retryAttempts int, backoff time.Duration) *Aggregator {
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Aggregator{methods: methods, retryAttempts: retryAttempts, backoff: backoff}
}

// Aggregate probes one URL with every applicable method, retrying failed
// rounds up to the retry budget. It always returns a verdict and never
// propagates an error: an unverifiable URL is a non-working one.
func (a *Aggregator) Aggregate(ctx context.Context, rawURL string) models.StreamVerdict {
	verdict := models.StreamVerdict{URL: rawURL, CheckedAt: time.Now()}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		verdict.Diagnostic = "unparsable URL"
		return verdict
	}

	if passthroughSchemes[u.Scheme] {
		return a.passthrough(ctx, u, verdict)
	}

	methods := a.applicable(u)
	if len(methods) == 0 {
		verdict.Diagnostic = "no probe methods available"
		return verdict
	}

	for attempt := 0; attempt <= a.retryAttempts; attempt++ {
		round := a.runRound(ctx, methods, rawURL)
		verdict.Attempts = append(verdict.Attempts, round...)
		verdict.Working = decide(round)
		if verdict.Working {
			break
		}
		if attempt < a.retryAttempts {
			select {
			case <-ctx.Done():
				verdict.Diagnostic = "cancelled: " + ctx.Err().Error()
				return verdict
			case <-time.After(a.backoff):
			}
		}
	}

	if !verdict.Working {
		verdict.Diagnostic = collectDiagnostics(verdict.Attempts)
	}
	verdict.QualityScore = scoreAttempts(verdict.Attempts, verdict.Working)
	return verdict
}

// passthrough handles schemes the methods cannot meaningfully probe:
// the stream is kept, with at most a socket-level reachability note.
func (a *Aggregator) passthrough(ctx context.Context, u *url.URL, verdict models.StreamVerdict) models.StreamVerdict {
	for _, m := range a.methods {
		if m.Name() != models.MethodSocketConnect || !m.Applicable(u) {
			continue
		}
		verdict.Attempts = append(verdict.Attempts, m.Probe(ctx, u.String()))
		break
	}
	verdict.Working = true
	verdict.QualityScore = 50
	verdict.Diagnostic = fmt.Sprintf("%s passthrough: only socket-level reachability asserted", u.Scheme)
	return verdict
}

func (a *Aggregator) applicable(u *url.URL) []Method {
	var out []Method
	for _, m := range a.methods {
		if m.Applicable(u) {
			out = append(out, m)
		}
	}
	return out
}

// runRound executes every method concurrently and collects all verdicts,
// including failures. A panicking method is converted into a failed verdict.
func (a *Aggregator) runRound(ctx context.Context, methods []Method, rawURL string) []models.ProbeVerdict {
	results := make([]models.ProbeVerdict, len(methods))
	var wg sync.WaitGroup
	for i, m := range methods {
		wg.Add(1)
		go func(i int, m Method) {
			defer wg.Done()
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					results[i] = failed(m.Name(), start, fmt.Sprintf("probe panic: %v", r))
				}
			}()
			results[i] = m.Probe(ctx, rawURL)
		}(i, m)
	}
	wg.Wait()
	return results
}

// decide reduces one round of verdicts into the working decision.
//
// A content-inspecting method that reached the server and found an
// interstitial or stalled payload vetoes the content-blind positives:
// HeaderFetch reports plausible-by-default because it cannot inspect the
// payload, and a confirmed placeholder must win over that blind optimism.
// With no content-aware signal at all, any reachable+plausible verdict
// (in practice HeaderFetch) carries the decision.
func decide(round []models.ProbeVerdict) bool {
	contentVeto := false
	for _, v := range round {
		if v.ContentChecked && v.Reachable {
			if v.ContentPlausible {
				return true
			}
			contentVeto = true
		}
	}
	if contentVeto {
		return false
	}
	for _, v := range round {
		if v.Reachable && v.ContentPlausible {
			return true
		}
	}
	return false
}

func collectDiagnostics(attempts []models.ProbeVerdict) string {
	var parts []string
	seen := map[string]bool{}
	for _, v := range attempts {
		if v.Diagnostic == "" || seen[v.Diagnostic] {
			continue
		}
		seen[v.Diagnostic] = true
		parts = append(parts, fmt.Sprintf("%s: %s", v.Method, v.Diagnostic))
	}
	if len(parts) == 0 {
		return "all probe methods failed"
	}
	return strings.Join(parts, "; ")
}
