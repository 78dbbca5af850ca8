package httpapi

import (
	"bytes"
	"context"
	"net/http"

	"github.com/relayforge/keyrelay/internal/upstream"
)

// dispatch builds and sends the single upstream HTTP call for one
// attempt (spec §4.2). useFreshConnection requests a transport bypassing
// the shared connection pool, per the error strategy table's fresh-
// connection column.
func (h *Handler) dispatch(ctx context.Context, targetURL, model, token, requestID string, clientHeaders http.Header, body []byte, extraHeaders map[string]string, useFreshConnection bool) (*http.Response, error) {
	headers := upstream.BuildUpstreamHeaders(clientHeaders, token, requestID, h.authInjector, extraHeaders)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers

	client := h.client
	if useFreshConnection {
		client = &http.Client{Transport: h.freshTransportFactory()}
	}

	resp, err := client.Do(req)
	if err != nil {
		h.conn.RecordHangup()
		return nil, err
	}
	h.conn.RecordSuccess()
	return resp, nil
}
