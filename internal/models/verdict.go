package models

import "time"

// ProbeMethod identifies one of the probing techniques.
type ProbeMethod string

const (
	MethodHeaderFetch      ProbeMethod = "header_fetch"
	MethodPartialBodyFetch ProbeMethod = "partial_body_fetch"
	MethodTransportProbe   ProbeMethod = "transport_probe"
	MethodSocketConnect    ProbeMethod = "socket_connect"
	MethodSegmentFetch     ProbeMethod = "segment_fetch"
)

// ProbeVerdict is the outcome of running a single probe method against one URL.
//
// ContentPlausible implies Reachable. ContentChecked records whether the
// method actually inspected payload: HeaderFetch cannot disprove liveness,
// so it reports ContentPlausible=true with ContentChecked=false, and the
// aggregator weighs it accordingly.
type ProbeVerdict struct {
	Method           ProbeMethod   `json:"method"`
	Reachable        bool          `json:"reachable"`
	ContentPlausible bool          `json:"content_plausible"`
	ContentChecked   bool          `json:"content_checked"`
	StatusCode       int           `json:"status_code,omitempty"`
	BytesRead        int64         `json:"bytes_read,omitempty"`
	SpeedBps         float64       `json:"speed_bps,omitempty"`
	Latency          time.Duration `json:"latency"`
	Diagnostic       string        `json:"diagnostic,omitempty"`
}

// StreamVerdict is the aggregate decision for one URL after one or more
// probe rounds. Working is the only field that gates catalog membership;
// QualityScore is a ranking heuristic in [0,100].
type StreamVerdict struct {
	URL          string         `json:"url"`
	Working      bool           `json:"working"`
	QualityScore int            `json:"quality_score"`
	Attempts     []ProbeVerdict `json:"attempts,omitempty"`
	CheckedAt    time.Time      `json:"checked_at"`
	Diagnostic   string         `json:"diagnostic,omitempty"`

	// FromCache marks verdicts synthesized from a cache record without
	// network I/O. AttemptCount then carries the record's historical
	// sample count so callers can refuse to act on single-sample staleness.
	FromCache    bool `json:"from_cache,omitempty"`
	AttemptCount int  `json:"attempt_count,omitempty"`
}

// CacheRecord is the persisted per-URL verdict history entry.
// SuccessRate is a cumulative average over AttemptCount outcomes (0..100).
type CacheRecord struct {
	URL          string    `json:"url"`
	Working      bool      `json:"working"`
	QualityScore int       `json:"quality_score"`
	SuccessRate  float64   `json:"success_rate"`
	CheckedAt    time.Time `json:"checked_at"`
	AttemptCount int       `json:"attempt_count"`
}
