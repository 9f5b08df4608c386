package routing

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/vietddude/keyrouter/internal/keypool"
)

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Message patterns hold words only. Numeric codes come from StatusCoder, since
// digits in a message are as likely to be a port or a token count.
var (
	rateLimitPatterns = []string{
		"too many requests",
		"rate limit",
		"quota",
		"resource_exhausted",
		"resource has been exhausted",
	}
	authPatterns = []string{
		"api key not valid",
		"api_key_invalid",
		"invalid api key",
		"unauthorized",
		"unauthenticated",
		"permission_denied",
		"permission denied",
		"forbidden",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"deadline_exceeded",
	}
	serverPatterns = []string{
		"internal server error",
		"bad gateway",
		"service unavailable",
		"unavailable",
		"internal",
		"overloaded",
	}
)

// ClassifyError maps a failed backend call to an ErrorKind.
func ClassifyError(err error) keypool.ErrorKind {
	if err == nil {
		return keypool.KindUnknown // Should not happen
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return keypool.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return keypool.KindTimeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		// Unclassified statuses (Gemini answers 400 for a bad key) fall through to the message
		if kind, ok := classifyStatus(sc.HTTPStatus()); ok {
			return kind
		}
	}

	sLower := strings.ToLower(err.Error())
	switch {
	case containsAny(sLower, rateLimitPatterns):
		return keypool.KindRateLimit
	case containsAny(sLower, authPatterns):
		return keypool.KindAuth
	case containsAny(sLower, timeoutPatterns):
		return keypool.KindTimeout
	case containsAny(sLower, serverPatterns):
		return keypool.KindServer
	}

	return keypool.KindUnknown
}

func classifyStatus(code int) (keypool.ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return keypool.KindRateLimit, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return keypool.KindAuth, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return keypool.KindTimeout, true
	case code >= 500:
		return keypool.KindServer, true
	}
	return keypool.KindUnknown, false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
