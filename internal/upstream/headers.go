package upstream

import (
	"net/http"
	"strings"
)

// hopByHopHeaders is the fixed RFC 7230 §6.1 set spec §4.2 names
// explicitly.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

var alwaysStripped = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"host":          true,
	"x-admin-token": true,
}

// AuthInjector supplies a provider's auth scheme: the header name and
// value to set for a given credential token (e.g. "x-api-key" / token, or
// "authorization" / "Bearer "+token).
type AuthInjector func(token string) (headerName, headerValue string)

// BuildUpstreamHeaders strips client/proxy-internal headers and injects
// provider auth plus proxy bookkeeping headers, per spec §4.2 step 7.
func BuildUpstreamHeaders(client http.Header, token, requestID string, inject AuthInjector, extraHeaders map[string]string) http.Header {
	out := make(http.Header, len(client)+4)

	connectionListed := map[string]bool{}
	for _, v := range client.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			connectionListed[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	for name, values := range client {
		lower := strings.ToLower(name)
		if hopByHopHeaders[lower] || alwaysStripped[lower] || connectionListed[lower] {
			continue
		}
		if strings.HasPrefix(lower, "x-proxy-") {
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	if inject != nil {
		name, value := inject(token)
		if name != "" {
			out.Set(name, value)
		}
	}
	out.Set("Connection", "keep-alive")
	out.Set("X-Request-Id", requestID)

	for k, v := range extraHeaders {
		lower := strings.ToLower(k)
		if hopByHopHeaders[lower] || alwaysStripped[lower] || strings.HasPrefix(lower, "x-proxy-") {
			continue
		}
		out.Set(k, v)
	}

	return out
}
