package playlist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

// FetchDonor downloads a donor playlist and parses it. The donor's own
// user agent wins over the fallback. Any failure (network, HTTP status,
// parse) is returned to the caller, who skips that donor for the run.
func FetchDonor(ctx context.Context, donor models.Donor, fallbackUA string, timeout time.Duration) ([]models.ChannelEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, donor.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	ua := donor.UserAgent
	if ua == "" {
		ua = fallbackUA
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ReadAll: %w", err)
	}
	entries, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return entries, nil
}
