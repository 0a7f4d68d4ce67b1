package probe

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// fakeMethod returns a scripted verdict and counts its invocations.
type fakeMethod struct {
	name       models.ProbeMethod
	applicable bool
	verdict    models.ProbeVerdict
	panics     bool

	mu    sync.Mutex
	calls int
}

func (f *fakeMethod) Name() models.ProbeMethod   { return f.name }
func (f *fakeMethod) Applicable(u *url.URL) bool { return f.applicable }
func (f *fakeMethod) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("scripted failure")
	}
	v := f.verdict
	v.Method = f.name
	return v
}

func (f *fakeMethod) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func headerLike(reachable bool) *fakeMethod {
	return &fakeMethod{
		name:       models.MethodHeaderFetch,
		applicable: true,
		verdict:    models.ProbeVerdict{Reachable: reachable, ContentPlausible: reachable},
	}
}

func bodyLike(reachable, plausible bool, diag string) *fakeMethod {
	return &fakeMethod{
		name:       models.MethodPartialBodyFetch,
		applicable: true,
		verdict: models.ProbeVerdict{
			Reachable:        reachable,
			ContentPlausible: plausible,
			ContentChecked:   true,
			Diagnostic:       diag,
		},
	}
}

func TestAggregateHeaderOnlyPositive(t *testing.T) {
	agg := NewAggregator([]Method{headerLike(true)}, 0, time.Millisecond)
	v := agg.Aggregate(context.Background(), "http://example.com/a.ts")
	if !v.Working {
		t.Fatalf("expected working, got %+v", v)
	}
	if len(v.Attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(v.Attempts))
	}
	if v.QualityScore <= 0 {
		t.Errorf("expected positive quality score, got %d", v.QualityScore)
	}
}

func TestAggregateContentVetoOverridesHeader(t *testing.T) {
	header := headerLike(true)
	body := bodyLike(true, false, `interstitial phrase: "contact your provider"`)
	agg := NewAggregator([]Method{header, body}, 1, time.Millisecond)

	v := agg.Aggregate(context.Background(), "http://example.com/a.ts")
	if v.Working {
		t.Fatalf("interstitial page must not count as working: %+v", v)
	}
	if v.QualityScore != 0 {
		t.Errorf("dead stream score must be 0, got %d", v.QualityScore)
	}
	if !strings.Contains(v.Diagnostic, "interstitial phrase") {
		t.Errorf("diagnostic should carry the content finding: %q", v.Diagnostic)
	}
	// One initial round plus one retry.
	if header.callCount() != 2 || body.callCount() != 2 {
		t.Errorf("expected 2 rounds, got header=%d body=%d", header.callCount(), body.callCount())
	}
	if len(v.Attempts) != 4 {
		t.Errorf("attempts must accumulate across rounds: got %d", len(v.Attempts))
	}
}

func TestAggregateContentConfirmationStopsRetry(t *testing.T) {
	body := bodyLike(true, true, "")
	agg := NewAggregator([]Method{body}, 3, time.Millisecond)

	v := agg.Aggregate(context.Background(), "http://example.com/a.ts")
	if !v.Working {
		t.Fatalf("expected working, got %+v", v)
	}
	if body.callCount() != 1 {
		t.Errorf("a positive round must not be retried, got %d calls", body.callCount())
	}
}

func TestAggregateRetryBudgetBoundsRounds(t *testing.T) {
	dead := bodyLike(false, false, "get: connection refused")
	agg := NewAggregator([]Method{dead}, 2, time.Millisecond)

	v := agg.Aggregate(context.Background(), "http://example.com/a.ts")
	if v.Working {
		t.Fatalf("expected dead verdict")
	}
	if got := dead.callCount(); got != 3 {
		t.Errorf("retry budget 2 means 3 rounds, got %d", got)
	}
}

func TestAggregateMethodPanicIsContained(t *testing.T) {
	bad := &fakeMethod{name: models.MethodSegmentFetch, applicable: true, panics: true}
	good := bodyLike(true, true, "")
	agg := NewAggregator([]Method{bad, good}, 0, time.Millisecond)

	v := agg.Aggregate(context.Background(), "http://example.com/a.m3u8")
	if !v.Working {
		t.Fatalf("a panicking method must not sink the others: %+v", v)
	}
	found := false
	for _, a := range v.Attempts {
		if a.Method == models.MethodSegmentFetch && strings.Contains(a.Diagnostic, "probe panic") {
			found = true
		}
	}
	if !found {
		t.Errorf("panic should surface as a failed attempt: %+v", v.Attempts)
	}
}

func TestAggregatePassthroughScheme(t *testing.T) {
	socket := &fakeMethod{
		name:       models.MethodSocketConnect,
		applicable: true,
		verdict:    models.ProbeVerdict{Reachable: true},
	}
	agg := NewAggregator([]Method{socket, headerLike(true)}, 0, time.Millisecond)

	v := agg.Aggregate(context.Background(), "rtmp://media.example.com/live/stream")
	if !v.Working {
		t.Fatalf("passthrough scheme must stay working: %+v", v)
	}
	if v.QualityScore != 50 {
		t.Errorf("passthrough score: got %d, want 50", v.QualityScore)
	}
	if !strings.Contains(v.Diagnostic, "passthrough") {
		t.Errorf("diagnostic: %q", v.Diagnostic)
	}
	if socket.callCount() != 1 {
		t.Errorf("socket method should run once, got %d", socket.callCount())
	}
}

func TestAggregateNoApplicableMethods(t *testing.T) {
	never := &fakeMethod{name: models.MethodSegmentFetch, applicable: false}
	agg := NewAggregator([]Method{never}, 0, time.Millisecond)

	v := agg.Aggregate(context.Background(), "http://example.com/a.ts")
	if v.Working {
		t.Fatalf("no methods means no verification: %+v", v)
	}
	if v.Diagnostic != "no probe methods available" {
		t.Errorf("diagnostic: %q", v.Diagnostic)
	}
}

func TestAggregateUnparsableURL(t *testing.T) {
	agg := NewAggregator([]Method{headerLike(true)}, 0, time.Millisecond)
	for _, raw := range []string{"", "   ", "no-scheme-here"} {
		v := agg.Aggregate(context.Background(), raw)
		if v.Working {
			t.Errorf("%q: expected not working", raw)
		}
		if v.Diagnostic != "unparsable URL" {
			t.Errorf("%q: diagnostic %q", raw, v.Diagnostic)
		}
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name  string
		round []models.ProbeVerdict
		want  bool
	}{
		{
			name: "header positive alone",
			round: []models.ProbeVerdict{
				{Reachable: true, ContentPlausible: true},
			},
			want: true,
		},
		{
			name: "content veto beats header",
			round: []models.ProbeVerdict{
				{Reachable: true, ContentPlausible: true},
				{Reachable: true, ContentPlausible: false, ContentChecked: true},
			},
			want: false,
		},
		{
			name: "content confirmation beats another method's veto",
			round: []models.ProbeVerdict{
				{Reachable: true, ContentPlausible: false, ContentChecked: true},
				{Reachable: true, ContentPlausible: true, ContentChecked: true},
			},
			want: true,
		},
		{
			name: "socket-only reachability is not enough",
			round: []models.ProbeVerdict{
				{Reachable: true, ContentPlausible: false},
			},
			want: false,
		},
		{
			name: "unreachable content check does not veto",
			round: []models.ProbeVerdict{
				{Reachable: true, ContentPlausible: true},
				{Reachable: false, ContentChecked: true},
			},
			want: true,
		},
		{
			name:  "empty round",
			round: nil,
			want:  false,
		},
	}
	for _, tc := range cases {
		if got := decide(tc.round); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScoreAttempts(t *testing.T) {
	fast := []models.ProbeVerdict{{
		Reachable:        true,
		ContentPlausible: true,
		SpeedBps:         500_000,
		BytesRead:        2_000_000,
		Latency:          300 * time.Millisecond,
	}}
	if got := scoreAttempts(fast, true); got != 100 {
		t.Errorf("fast stream: got %d, want 100", got)
	}

	slow := []models.ProbeVerdict{{
		Reachable:        true,
		ContentPlausible: true,
		SpeedBps:         2_000,
		BytesRead:        5_000,
		Latency:          4 * time.Second,
	}}
	if got := scoreAttempts(slow, true); got != 40 {
		t.Errorf("slow stream: got %d, want 40", got)
	}

	if got := scoreAttempts(fast, false); got != 0 {
		t.Errorf("dead stream: got %d, want 0", got)
	}
}
