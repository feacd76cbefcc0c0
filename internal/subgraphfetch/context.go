// Package subgraphfetch implements the single-subgraph-call lifecycle: a
// persisted-query-first request attempt, per-subgraph request batching,
// WebSocket/callback subscription transport, and response coercion with
// partial-error nulling. It is the component federation/executor's
// ExecutorV2 delegates each subgraph round trip to, replacing the bare
// http.NewRequestWithContext call the teacher's executor_v2.go used to
// build inline.
package subgraphfetch

import (
	"context"
	"net/http"
)

type requestHeaderKey struct{}

// WithRequestHeader attaches the incoming client request's header to ctx
// so it can be hung over onto outgoing subgraph requests further down the
// call stack, replacing the teacher's referenced-but-never-defined
// executor.SetRequestHeaderToContext.
func WithRequestHeader(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, requestHeaderKey{}, h)
}

// RequestHeaderFromContext returns the header stashed by WithRequestHeader,
// or nil if none was attached.
func RequestHeaderFromContext(ctx context.Context) http.Header {
	h, _ := ctx.Value(requestHeaderKey{}).(http.Header)
	return h
}

// HangOverHeaders copies the allow-listed subset of src onto dst, used
// when EnableHangOverRequestHeader forwards select client headers (e.g.
// Authorization, X-Request-Id) onto the outgoing subgraph request.
func HangOverHeaders(dst, src http.Header, allow []string) {
	if src == nil {
		return
	}
	for _, name := range allow {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}
