package probe

import (
	"log"

	"github.com/voyagen/streamkeeper/internal/config"
)

// DefaultMethods assembles the standard method set from configuration.
// TransportProbe is skipped (with a log line) when the curl binary is
// missing; the remaining methods still run.
func DefaultMethods(cfg config.ProbeConfig, userAgent string) []Method {
	methods := []Method{
		NewHeaderFetch(cfg.Timeout, userAgent),
		NewPartialBodyFetch(cfg.Timeout, userAgent, cfg.MinBodyBytes, cfg.InterstitialPhrases),
		NewSegmentFetch(cfg.Timeout, userAgent, cfg.SegmentSample, cfg.MinSegmentBytes),
		NewSocketConnect(cfg.Timeout),
	}
	tp, err := NewTransportProbe(cfg.CurlBinary, cfg.Timeout, userAgent, cfg.MinTransferBytes, cfg.MinSpeedBps)
	if err != nil {
		log.Printf("probe: transport probe disabled: %v", err)
	} else {
		methods = append(methods, tp)
	}
	return methods
}
