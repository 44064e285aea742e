package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Reason buckets a failed attempt for metrics and logs.
func Reason(err error) string {
	if err == nil {
		return "none"
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500:
			return "http_5xx"
		case se.Code == 429:
			return "http_429"
		case se.Code >= 400:
			return "http_4xx"
		default:
			return "other"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
		return "dns_error"
	}
	return "network"
}

// StatusCode extracts the HTTP status from a delivery error, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
