package llm

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/orbit/pkg/agenterr"
)

// classifyStatus maps a transport failure onto the error taxonomy.
// status is zero when the failure carried no HTTP response.
func classifyStatus(provider string, status int, header http.Header, err error) error {
	if err == nil {
		return nil
	}

	var classified *agenterr.LLMError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agenterr.NewTimeoutError(provider, err)
	}

	switch {
	case status == 0:
		return agenterr.NewStreamError(provider, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return agenterr.NewAuthError(provider, err)
	case status == http.StatusTooManyRequests:
		return agenterr.NewRateLimitError(provider, parseRetryAfter(header), err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return agenterr.NewTimeoutError(provider, err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return agenterr.NewInvalidResponseError(provider, "request rejected", err)
	case status >= 500:
		return agenterr.NewStreamError(provider, err)
	default:
		return agenterr.NewLLMError(provider, "request failed with status "+strconv.Itoa(status), err)
	}
}

// parseRetryAfter reads a retry-after header given in seconds or as an HTTP date
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if ms := header.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	value := header.Get("retry-after")
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
