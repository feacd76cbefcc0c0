// Package coprocessor implements the externalized request/response rewrite
// hook: a single JSON-over-HTTP round trip to an operator-controlled
// service, given the chance to rewrite the outgoing subgraph request or
// the incoming subgraph response, or short-circuit either direction with
// `control.break`. Grounded on original_source/'s execution.rs coprocessor
// plugin (see SPEC_FULL.md §4); there is no teacher precedent.
package coprocessor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Stage identifies which direction of the subgraph call the coprocessor
// is being invoked for.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Payload is the JSON envelope sent to and received from the coprocessor
// service.
type Payload struct {
	Stage     Stage                  `json:"stage"`
	Subgraph  string                 `json:"subgraph"`
	Headers   map[string][]string    `json:"headers,omitempty"`
	Body      map[string]interface{} `json:"body,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Control   string                 `json:"control,omitempty"` // "continue" (default) or "break"
	BreakStatus int                  `json:"break_status,omitempty"`
	BreakBody   map[string]interface{} `json:"break_body,omitempty"`
}

// Break is returned by Call when the coprocessor requested a short
// circuit; the caller must stop processing and send BreakStatus/BreakBody
// to the client as-is instead of continuing the pipeline.
type Break struct {
	Status int
	Body   map[string]interface{}
}

func (b *Break) Error() string { return fmt.Sprintf("coprocessor: break requested (status %d)", b.Status) }

// Client calls an external coprocessor service for both request and
// response stages.
type Client struct {
	HTTPClient *http.Client
	URL        string
}

// NewClient returns a Client targeting url.
func NewClient(httpClient *http.Client, url string) *Client {
	return &Client{HTTPClient: httpClient, URL: url}
}

// RewriteRequest sends the outgoing subgraph request body/headers/context
// to the coprocessor and returns the (possibly rewritten) body, headers,
// and context, or a *Break if the coprocessor short-circuited.
func (c *Client) RewriteRequest(ctx context.Context, subgraph string, headers map[string][]string, body map[string]interface{}, reqContext map[string]interface{}) (map[string]interface{}, map[string][]string, map[string]interface{}, error) {
	return c.call(ctx, StageRequest, subgraph, headers, body, reqContext)
}

// RewriteResponse sends the incoming subgraph response to the
// coprocessor and returns the (possibly rewritten) body/headers/context,
// or a *Break.
func (c *Client) RewriteResponse(ctx context.Context, subgraph string, headers map[string][]string, body map[string]interface{}, reqContext map[string]interface{}) (map[string]interface{}, map[string][]string, map[string]interface{}, error) {
	return c.call(ctx, StageResponse, subgraph, headers, body, reqContext)
}

func (c *Client) call(ctx context.Context, stage Stage, subgraph string, headers map[string][]string, body map[string]interface{}, reqContext map[string]interface{}) (map[string]interface{}, map[string][]string, map[string]interface{}, error) {
	if c == nil || c.URL == "" {
		return body, headers, reqContext, nil
	}

	payload := Payload{Stage: stage, Subgraph: subgraph, Headers: headers, Body: body, Context: reqContext}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coprocessor: encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coprocessor: call failed: %w", err)
	}
	defer resp.Body.Close()

	var out Payload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, nil, fmt.Errorf("coprocessor: decode response: %w", err)
	}

	if out.Control == "break" {
		return nil, nil, nil, &Break{Status: out.BreakStatus, Body: out.BreakBody}
	}

	return out.Body, out.Headers, out.Context, nil
}
