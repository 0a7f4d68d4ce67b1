package probe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// ErrCurlUnavailable means the external HTTP client binary was not found;
// the method is disabled for the run and the aggregator proceeds without it.
var ErrCurlUnavailable = errors.New("curl binary not found")

// TransportProbe shells out to curl with a player-like user agent and reads
// back wall-clock timing, HTTP status, bytes transferred, and download
// speed. A 200 that trickles a handful of bytes over many seconds is a
// stalled or fake stream, so plausibility requires both a minimum payload
// and, when timing is available, a minimum sustained rate.
type TransportProbe struct {
	binary    string
	timeout   time.Duration
	userAgent string
	minBytes  int64
	minSpeed  float64
}

const curlWriteOut = `HTTP_CODE:%{http_code}|SPEED:%{speed_download}|SIZE:%{size_download}|CONNECT:%{time_connect}|TOTAL:%{time_total}`

// NewTransportProbe resolves the curl binary up front. A missing binary is
// reported once at construction, not per URL.
func NewTransportProbe(binary string, timeout time.Duration, userAgent string, minBytes int64, minSpeed float64) (*TransportProbe, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCurlUnavailable, binary)
	}
	return &TransportProbe{
		binary:    path,
		timeout:   timeout,
		userAgent: userAgent,
		minBytes:  minBytes,
		minSpeed:  minSpeed,
	}, nil
}

func (t *TransportProbe) Name() models.ProbeMethod { return models.MethodTransportProbe }

func (t *TransportProbe) Applicable(u *url.URL) bool { return isHTTPScheme(u) }

func (t *TransportProbe) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.timeout+5*time.Second)
	defer cancel()

	maxTime := int(t.timeout.Seconds())
	if maxTime < 1 {
		maxTime = 1
	}
	args := []string{
		"-s",
		"--max-time", strconv.Itoa(maxTime),
		"--connect-timeout", "10",
		"--location",
		"--insecure",
		"--user-agent", t.userAgent,
		"--write-out", curlWriteOut,
		"--output", os.DevNull,
		rawURL,
	}
	cmd := exec.CommandContext(ctx, t.binary, args...)
	// CommandContext kills the process on deadline; WaitDelay guarantees
	// Wait returns even if the process ignores the kill briefly.
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.Output()
	stats, parseErr := parseCurlStats(string(out))

	if err != nil {
		// Exit 28 is curl's own operation timeout. On a live stream
		// curl downloads until --max-time expires and then exits 28
		// with valid stats, so a timeout with a healthy transfer is a
		// success, not a failure.
		var exitErr *exec.ExitError
		timedOut := errors.As(err, &exitErr) && exitErr.ExitCode() == 28
		if !timedOut || parseErr != nil {
			return failed(t.Name(), start, fmt.Sprintf("curl: %v", err))
		}
	}
	if parseErr != nil {
		return failed(t.Name(), start, fmt.Sprintf("curl output: %v", parseErr))
	}

	v := models.ProbeVerdict{
		Method:         t.Name(),
		StatusCode:     stats.status,
		BytesRead:      stats.size,
		SpeedBps:       stats.speed,
		Latency:        time.Since(start),
		ContentChecked: true,
	}
	if !successStatus[stats.status] {
		v.Diagnostic = fmt.Sprintf("HTTP %d", stats.status)
		return v
	}
	v.Reachable = true

	if stats.size < t.minBytes {
		v.Diagnostic = fmt.Sprintf("small download: %d bytes", stats.size)
		return v
	}
	if stats.speed > 0 && stats.speed < t.minSpeed {
		v.Diagnostic = fmt.Sprintf("low speed: %.0f bytes/s", stats.speed)
		return v
	}
	v.ContentPlausible = true
	return v
}

type curlStats struct {
	status  int
	speed   float64
	size    int64
	connect float64
	total   float64
}

// parseCurlStats decodes the --write-out line, e.g.
// "HTTP_CODE:200|SPEED:512000|SIZE:2097152|CONNECT:0.12|TOTAL:8.01".
func parseCurlStats(out string) (curlStats, error) {
	// The write-out line is the last line of output.
	out = strings.TrimSpace(out)
	if idx := strings.LastIndexByte(out, '\n'); idx >= 0 {
		out = out[idx+1:]
	}
	if !strings.Contains(out, "HTTP_CODE:") {
		return curlStats{}, fmt.Errorf("no stats in output")
	}
	var s curlStats
	for _, field := range strings.Split(out, "|") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "HTTP_CODE":
			s.status, _ = strconv.Atoi(val)
		case "SPEED":
			s.speed, _ = strconv.ParseFloat(val, 64)
		case "SIZE":
			f, _ := strconv.ParseFloat(val, 64)
			s.size = int64(f)
		case "CONNECT":
			s.connect, _ = strconv.ParseFloat(val, 64)
		case "TOTAL":
			s.total, _ = strconv.ParseFloat(val, 64)
		}
	}
	if s.status == 0 {
		return s, fmt.Errorf("no HTTP status (connection failed)")
	}
	return s, nil
}
