package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func TestRetry(t *testing.T) {
	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		attempts  int
		failures  int   // calls that fail before success
		failWith  error // error returned by the failing calls
		wantCalls int
		wantErr   error
	}{
		{"first attempt", 3, 0, nil, 1, nil},
		{"second attempt", 3, 1, transient, 2, nil},
		{"exhausted", 3, 99, transient, 3, transient},
		{"single attempt", 1, 99, transient, 1, transient},
		{"auth not retried", 5, 99, fmt.Errorf("rejected: %w", ErrAuth), 1, ErrAuth},
		{"not found not retried", 5, 99, fmt.Errorf("gone: %w", ErrNotFound), 1, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.attempts, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("called %d times, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v in chain", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_PermanentErrorIsUnwrapped(t *testing.T) {
	err := Retry(context.Background(), 3, func() error {
		return fmt.Errorf("bad request: %w", ErrPermanent)
	})
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		t.Errorf("backoff wrapper leaked to caller: %v", err)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("error = %v, want ErrPermanent", err)
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("called %d times, want 0 (context already cancelled)", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := Retry(ctx, 10, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, expected between 1 and 9", calls)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Retry kept waiting %v after the context expired", elapsed)
	}
}

func TestNewCallBackOff_Bounds(t *testing.T) {
	b := newCallBackOff()
	// The library applies +/-50% jitter around the current interval.
	d0 := b.NextBackOff()
	if d0 < baseDelay/2 || d0 > baseDelay*3/2 {
		t.Errorf("first delay = %v, want within 50%% of %v", d0, baseDelay)
	}
	for range 20 {
		if d := b.NextBackOff(); d > maxDelay*3/2 {
			t.Fatalf("delay %v exceeds cap %v plus jitter", d, maxDelay)
		}
	}
}

func TestStatusError_RetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
		Body:       io.NopCloser(strings.NewReader("slow down")),
	}
	err := statusError("upload", resp)
	if !IsTransient(err) {
		t.Fatalf("429 should be transient: %v", err)
	}
	var ra *backoff.RetryAfterError
	if !errors.As(err, &ra) || ra.Duration != 7*time.Second {
		t.Errorf("Retry-After not carried: %v", err)
	}
}

func TestStatusError_Classification(t *testing.T) {
	tests := []struct {
		code int
		want error // nil means transient
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrPermanent},
		{http.StatusForbidden, ErrPermanent},
		{http.StatusRequestTimeout, nil},
		{http.StatusServiceUnavailable, nil},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.code, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}
		err := statusError("op", resp)
		if tt.want == nil {
			if !IsTransient(err) {
				t.Errorf("status %d: %v should be transient", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{fmt.Errorf("x: %w", ErrAuth), false},
		{fmt.Errorf("x: %w", ErrNotFound), false},
		{fmt.Errorf("x: %w", ErrUnsupported), false},
		{fmt.Errorf("x: %w", ErrPermanent), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
