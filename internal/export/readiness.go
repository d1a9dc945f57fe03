package export

import (
	"context"
	"io"
	"net/http"
	"time"

	u "deckpdf/internal/utils"
)

// Probe configures WaitForServer.
type Probe struct {
	Client   *http.Client
	Interval time.Duration
	Timeout  time.Duration
	// Alive, when set, is checked before each attempt; a false result ends the
	// wait with ServerExitedError instead of polling until Timeout.
	Alive func() bool
}

// WaitForServer polls url at a fixed interval until it answers 2xx or the
// timeout elapses. There is no backoff.
func WaitForServer(ctx context.Context, url string, probe Probe) error {
	client := probe.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	interval := probe.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	if probe.Timeout <= 0 {
		probe.Timeout = 30 * time.Second
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		if probe.Alive != nil && !probe.Alive() {
			return &ServerExitedError{URL: url}
		}

		attempts++
		if ok := probeOnce(deadlineCtx, client, url); ok {
			u.Debug("Preview server ready", "url", url, "attempts", attempts)
			return nil
		}

		select {
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ServerTimeoutError{URL: url, Limit: probe.Timeout}
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
