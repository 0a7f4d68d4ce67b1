package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// SocketConnect opens a raw TCP connection to the URL's host:port. It only
// proves network-level reachability — a last-resort signal when the HTTP
// methods fail on odd ports — and never confirms a working stream on its
// own, so ContentPlausible is always false.
type SocketConnect struct {
	timeout time.Duration
	dialer  *net.Dialer
}

func NewSocketConnect(timeout time.Duration) *SocketConnect {
	return &SocketConnect{timeout: timeout, dialer: &net.Dialer{Timeout: timeout}}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"rtsp":  "554",
	"rtmp":  "1935",
	"mms":   "1755",
}

func (s *SocketConnect) Name() models.ProbeMethod { return models.MethodSocketConnect }

// Applicable excludes datagram schemes: a TCP connect says nothing about a
// UDP multicast source.
func (s *SocketConnect) Applicable(u *url.URL) bool {
	if u.Scheme == "udp" || u.Scheme == "rtp" {
		return false
	}
	return u.Hostname() != ""
}

func (s *SocketConnect) Probe(ctx context.Context, rawURL string) models.ProbeVerdict {
	start := time.Now()
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return failed(s.Name(), start, "unparsable URL")
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
		if port == "" {
			port = "80"
		}
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return failed(s.Name(), start, fmt.Sprintf("connect %s:%s: %v", u.Hostname(), port, err))
	}
	conn.Close()
	return models.ProbeVerdict{
		Method:    s.Name(),
		Reachable: true,
		// TCP accept alone never proves a playable stream.
		ContentPlausible: false,
		ContentChecked:   false,
		Latency:          time.Since(start),
	}
}
