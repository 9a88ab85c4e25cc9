// Package health probes the service's /_health endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// Status values reported by the service.
const (
	StatusOK     = "OK"
	StatusFailed = "FAILED"
)

// ErrTimeout is returned by WaitHealthy when the deadline passes first.
var ErrTimeout = errors.New("health check timed out")

// Result is one probe outcome.
type Result struct {
	Healthy    bool   `json:"healthy"`
	StatusCode int    `json:"status_code"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (r Result) String() string {
	if r.Healthy {
		return "healthy"
	}
	parts := []string{fmt.Sprintf("unhealthy (HTTP %d", r.StatusCode)}
	if r.Status != "" {
		parts[0] += ", status " + r.Status
	}
	parts[0] += ")"
	if r.Reason != "" {
		parts = append(parts, r.Reason)
	}
	if r.Detail != "" {
		parts = append(parts, r.Detail)
	}
	return strings.Join(parts, ": ")
}

type body struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// Checker performs health probes over HTTP.
type Checker struct {
	Client *http.Client
}

// NewChecker returns a Checker whose requests time out after timeout.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{Client: &http.Client{Timeout: timeout}}
}

// URL builds the health endpoint address for a published port.
func URL(host string, port int, path string) string {
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", host, port, path)
}

// Probe issues one GET. Transport failures are returned as errors; HTTP
// responses, healthy or not, are returned as a Result.
func (c *Checker) Probe(ctx context.Context, url string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var b body
	if err := json.Unmarshal(raw, &b); err == nil {
		res.Status, res.Reason, res.Detail = b.Status, b.Reason, b.Detail
	} else if len(raw) > 0 {
		res.Detail = strings.TrimSpace(string(raw))
	}
	res.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300 && strings.EqualFold(res.Status, StatusOK)
	return res, nil
}

const defaultWaitInterval = 2 * time.Second

// WaitHealthy polls url every interval until a probe is healthy, ctx is
// done or timeout elapses. The last result is returned with ErrTimeout.
func (c *Checker) WaitHealthy(ctx context.Context, url string, timeout, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last     Result
		lastErr  error
		answered bool
	)
	for attempt := 1; ; attempt++ {
		res, err := c.Probe(ctx, url)
		if err == nil {
			last, answered = res, true
			if res.Healthy {
				logging.Get().Debug().Str("url", url).Int("attempt", attempt).Msg("service healthy")
				return res, nil
			}
		}
		lastErr = err
		logging.Get().Debug().Err(err).Str("url", url).Int("attempt", attempt).Str("result", res.String()).Msg("service not healthy yet")
		select {
		case <-ctx.Done():
			if answered {
				return last, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, last)
			}
			return last, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, lastErr)
		case <-ticker.C:
		}
	}
}
