package probe

import (
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// scoreAttempts turns a round of probe verdicts into a quality score in
// [0,100]. The score ranks streams for diagnostics and reporting; only
// Working gates catalog membership. Tiers follow the historical tuning:
// base points for a successful status class, throughput and payload bonuses
// on top, a fast connect bonus, and nothing at all when the stream is dead.
func scoreAttempts(attempts []models.ProbeVerdict, working bool) int {
	if !working {
		return 0
	}
	best := 0
	for _, a := range attempts {
		if !a.Reachable || !a.ContentPlausible {
			continue
		}
		score := 30
		switch {
		case a.SpeedBps > 100_000:
			score += 40
		case a.SpeedBps > 10_000:
			score += 20
		case a.SpeedBps > 1_000:
			score += 10
		}
		switch {
		case a.BytesRead > 1_000_000:
			score += 20
		case a.BytesRead > 100_000:
			score += 10
		}
		if a.Latency > 0 && a.Latency < 2*time.Second {
			score += 10
		}
		if score > best {
			best = score
		}
	}
	if best > 100 {
		best = 100
	}
	return best
}
