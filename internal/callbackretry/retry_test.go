package callbackretry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxElapsed:   5 * time.Second,
		MaxAttempts:  maxAttempts,
	}
}

func TestDoAttempts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int32
		maxAttempts  int
		wantAttempts int32
		wantErr      string
	}{
		{name: "first attempt", failures: 0, maxAttempts: 5, wantAttempts: 1},
		{name: "transient then success", failures: 2, maxAttempts: 5, wantAttempts: 3},
		{name: "exhausted", failures: 100, maxAttempts: 3, wantAttempts: 3, wantErr: "retries exhausted after 3 attempts"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var attempts int32
			err := Do(context.Background(), fastConfig(tt.maxAttempts), "provision-sandbox", func(context.Context) error {
				if atomic.AddInt32(&attempts, 1) <= tt.failures {
					return errors.New("provisioner unavailable")
				}
				return nil
			})
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Fatalf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if !strings.Contains(err.Error(), "provision-sandbox") {
				t.Fatalf("err = %v, want operation name", err)
			}
		})
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad request")
	var attempts int32
	err := Do(context.Background(), fastConfig(5), "notify-completion", func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(cause)
	})
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want the unwrapped cause", err)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond, MaxElapsed: 10 * time.Second}
	err := Do(ctx, cfg, "warm-sandbox", func(context.Context) error {
		return errors.New("always fail")
	})
	if err == nil || !strings.Contains(err.Error(), "context cancelled") {
		t.Fatalf("err = %v, want context cancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want wrapping context.Canceled", err)
	}
}

func TestDoExhaustsMaxElapsed(t *testing.T) {
	t.Parallel()

	cfg := Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxElapsed: 30 * time.Millisecond}
	original := errors.New("keep failing")
	start := time.Now()
	err := Do(context.Background(), cfg, "elapsed", func(context.Context) error { return original })

	if !errors.Is(err, original) {
		t.Fatalf("err = %v, want wrapping the last error", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry took too long: %v", time.Since(start))
	}
}

func TestCheckResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusUnauthorized, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(" upstream said no \n"))}
		err := CheckResponse("create-sandbox", resp)
		if (err != nil) != tt.wantErr {
			t.Fatalf("status %d: err = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
		if err == nil {
			continue
		}
		var perm *PermanentError
		if got := errors.As(err, &perm); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
			t.Errorf("status %d: err = %v, want StatusError", tt.status, err)
		}
		if !strings.HasSuffix(err.Error(), "upstream said no") {
			t.Errorf("status %d: message = %q", tt.status, err.Error())
		}
	}
}
