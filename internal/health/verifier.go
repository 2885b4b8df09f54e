// Package health verifies that a freshly deployed service answers HTTP
// requests on its configured health endpoint.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Error reports an exhausted health-check retry budget.
type Error struct {
	URL      string
	Attempts int
	LastErr  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("health check failed after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("health check failed after %d attempts", e.Attempts)
}

// Unwrap returns the last probe error.
func (e *Error) Unwrap() error {
	return e.LastErr
}

// Verifier polls an HTTP endpoint until it reports healthy or a bounded
// retry budget is exhausted. Attempts and interval are explicit
// configuration; nothing here retries beyond the configured budget.
type Verifier struct {
	client   *http.Client
	attempts int
	interval time.Duration
	logger   *slog.Logger
}

// NewVerifier creates a Verifier with the given retry budget. timeout
// bounds a single probe request.
func NewVerifier(attempts int, interval, timeout time.Duration, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		interval: interval,
		logger:   logger,
	}
}

// Check probes url until a single 2xx response arrives or the budget runs
// out. It returns nil on success and a *Error on exhaustion.
func (v *Verifier) Check(ctx context.Context, url string) error {
	var lastErr error

	for attempt := 1; attempt <= v.attempts; attempt++ {
		healthy, err := v.probe(ctx, url)
		if healthy {
			v.logger.Info("health check passed", "url", url, "attempt", attempt)
			return nil
		}
		if err != nil {
			lastErr = err
		}
		v.logger.Debug("health check attempt failed",
			"url", url,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == v.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return &Error{URL: url, Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(v.interval):
		}
	}

	return &Error{URL: url, Attempts: v.attempts, LastErr: lastErr}
}

// probe performs a single GET and reports whether it returned 2xx.
func (v *Verifier) probe(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("HTTP %d", resp.StatusCode)
}
