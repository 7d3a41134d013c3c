package provider

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// readErrorBody drains a bounded prefix of a failed response's body.
func readErrorBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return body
}

// statusError converts a non-2xx response into the provider error taxonomy.
func statusError(op string, resp *http.Response) error {
	return classifyStatus(op, resp, readErrorBody(resp), false)
}

// classifyStatus maps a failed response onto the taxonomy: 401 is an auth
// failure, 404 not found, 408/429/5xx transient, any other 4xx permanent.
// throttled marks a provider-specific rate-limit response as transient
// whatever its status. A Retry-After header in seconds on a transient
// response is carried as a backoff.RetryAfterError so [Retry] honours it.
func classifyStatus(op string, resp *http.Response, body []byte, throttled bool) error {
	msg := strings.TrimSpace(string(body))

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %s", op, ErrAuth, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case throttled, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return fmt.Errorf("%s: transient status %d: %s: %w", op, code, msg, backoff.RetryAfter(secs))
		}
		return fmt.Errorf("%s: transient status %d: %s", op, code, msg)
	default:
		return fmt.Errorf("%s: %w: status %d: %s", op, ErrPermanent, code, msg)
	}
}
