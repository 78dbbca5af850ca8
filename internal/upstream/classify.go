package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// ClassifyError maps a transport-level error from an upstream HTTP round
// trip to one of the socket-level ErrorTypes in spec §4.2's final bullet.
// statusCode is -1 when no response was received at all.
func ClassifyError(err error, statusCode int) ErrorType {
	if err == nil {
		return classifyStatus(statusCode)
	}

	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNSError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ErrConnectionRefused
		}
	}

	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return ErrTLSError
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return ErrTLSError
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrStreamPrematureClose
	}
	if errors.Is(err, io.EOF) {
		return ErrSocketHangup
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection reset by peer"):
		return ErrConnectionAborted
	case strings.Contains(msg, "broken pipe"):
		return ErrBrokenPipe
	case strings.Contains(msg, "connection refused"):
		return ErrConnectionRefused
	case strings.Contains(msg, "malformed HTTP"), strings.Contains(msg, "malformed"):
		return ErrHTTPParseError
	case strings.Contains(msg, "use of closed network connection"):
		return ErrAborted
	}

	return ErrOther
}

func classifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrAuthError
	case statusCode >= 500:
		return ErrServerError
	default:
		return ErrOther
	}
}
