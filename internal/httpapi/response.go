package httpapi

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	proxyerrors "github.com/relayforge/keyrelay/pkg/errors"
)

// writeProxyError renders a ProxyError onto w per spec §6: the status
// code, every carried header (retry-after, x-proxy-*, x-rate-limit-*),
// and a JSON body with error/errorType/requestId/retryAfter.
func writeProxyError(w http.ResponseWriter, e *proxyerrors.ProxyError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatusCode())

	body := map[string]any{
		"error":     e.Message,
		"errorType": string(e.Type),
		"requestId": e.RequestID,
	}
	if e.RetryAfter > 0 {
		body["retryAfter"] = retryAfterSeconds(e.RetryAfter)
	}
	data, _ := json.Marshal(body)
	_, _ = w.Write(data)
}

func retryAfterSeconds(d interface{ Seconds() float64 }) int {
	s := int(d.Seconds() + 0.999999)
	if s < 1 {
		return 1
	}
	return s
}
