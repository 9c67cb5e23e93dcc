// Package callbackretry retries outbound calls from the coordinator to its
// collaborators (sandbox provisioner, completion callback) with exponential
// backoff and jitter.
package callbackretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the status may succeed on a later attempt:
// server errors, 408 and 429.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// CheckResponse converts a non-2xx response into a StatusError, wrapped as
// Permanent when the status is not retryable. The body is read (up to 1 KiB)
// for the error message but not closed.
func CheckResponse(operation string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if !err.Retryable() {
		return Permanent(err)
	}
	return err
}

// Config configures the retry behavior.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts; 0 leaves only MaxElapsed.
	MaxAttempts int
}

// DefaultConfig returns the defaults used for collaborator calls.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxElapsed:   2 * time.Minute,
		MaxAttempts:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	return c
}

// Do runs fn until it succeeds, returns a PermanentError, or the attempt or
// elapsed budget runs out. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	start := time.Now()
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Outbound call succeeded after retry",
					"operation", operation,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			slog.Warn("Outbound call failed permanently",
				"operation", operation,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return permErr.Err
		}

		elapsed := time.Since(start)
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			slog.Warn("Outbound call retries exhausted",
				"operation", operation, "attempts", attempt, "elapsed", elapsed.Round(time.Millisecond), "error", err)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}
		if elapsed >= cfg.MaxElapsed {
			slog.Warn("Outbound call retries exhausted",
				"operation", operation, "attempts", attempt, "elapsed", elapsed.Round(time.Millisecond), "error", err)
			return fmt.Errorf("%s: retries exhausted after %v: %w", operation, elapsed.Round(time.Millisecond), err)
		}

		sleep := withJitter(delay)
		slog.Info("Outbound call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// withJitter adds up to 50% random jitter to d.
func withJitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/2))
}
