// Package httpapi implements the Request Handler state machine (spec
// §4.1): entry/backpressure, the iterative retry loop, pool/model
// cooldown gating, admission hold, per-attempt dispatch via
// internal/upstream, and final response generation per spec §6's status/
// header contract.
//
// Grounded on the teacher's internal/api package's HTTP entrypoint shape
// (chi-less net/http handler, JSON request decode via goccy/go-json) and
// internal/router/base.go's retry-loop bookkeeping (excludedKeys,
// attemptedModels, modelSwitchCount), generalized to the proxy's own
// credential+model two-resource retry loop.
package httpapi

import (
	"github.com/goccy/go-json"

	"github.com/relayforge/keyrelay/internal/modelrouter"
)

// anthropicRequest is the minimal shape the classifier needs to read from
// a client body; it intentionally does not model the full Anthropic
// Messages schema (that transformation is a Non-goal, spec §1).
type anthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    json.RawMessage `json:"system"`
	Messages  []json.RawMessage `json:"messages"`
	Tools     []json.RawMessage `json:"tools"`
}

// ClassifyBody decodes a client request body into the router's
// RequestShape. A malformed body yields a zero-value shape rather than an
// error — classification degrades gracefully to the default tier/
// threshold behavior rather than rejecting the request outright, since
// body validation is a Non-goal (spec §1).
func ClassifyBody(body []byte) modelrouter.RequestShape {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return modelrouter.RequestShape{}
	}

	hasVision := false
	for _, m := range req.Messages {
		if bytesContainsImage(m) {
			hasVision = true
			break
		}
	}

	systemLen := len(req.System)

	promptChars := systemLen
	for _, m := range req.Messages {
		promptChars += len(m)
	}
	for _, t := range req.Tools {
		promptChars += len(t)
	}

	return modelrouter.RequestShape{
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		MessageCount: len(req.Messages),
		SystemLength: systemLen,
		HasTools:     len(req.Tools) > 0,
		HasVision:    hasVision,
		PromptChars:  promptChars,
	}
}

func bytesContainsImage(raw json.RawMessage) bool {
	const needle = `"type":"image"`
	return jsonContains(raw, needle) || jsonContains(raw, `"type": "image"`)
}

func jsonContains(raw json.RawMessage, needle string) bool {
	s := string(raw)
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
