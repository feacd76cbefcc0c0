package subgraphfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/n9te9/federation-engine/internal/subgraphfetch")

// Service performs one subgraph call at a time: it negotiates APQ,
// optionally routes the call through a Batcher, and coerces the response
// into the normalized SubgraphResponse shape. It replaces
// federation/executor/executor_v2.go's bare sendRequest.
type Service struct {
	Client  *http.Client
	APQ     *APQCache
	Batcher *Batcher // nil disables batching

	requestCount metric.Int64Counter
	latency      metric.Float64Histogram
}

// NewService builds a Service, registering its OTel instruments against
// the global meter provider.
func NewService(client *http.Client, apq *APQCache, batcher *Batcher) (*Service, error) {
	meter := otel.GetMeterProvider().Meter("github.com/n9te9/federation-engine/internal/subgraphfetch")
	reqCount, err := meter.Int64Counter("subgraphfetch.requests")
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("subgraphfetch.latency_ms")
	if err != nil {
		return nil, err
	}
	return &Service{Client: client, APQ: apq, Batcher: batcher, requestCount: reqCount, latency: latency}, nil
}

// Request is one subgraph call's input.
type Request struct {
	Subgraph  string
	Host      string
	Query     string
	Variables map[string]any
	UseAPQ    bool
	UseBatch  bool
}

// Fetch performs req's lifecycle end to end: APQ hash-first attempt with
// automatic full-query retry, an optional batched send, and response
// coercion.
func (s *Service) Fetch(ctx context.Context, req Request) (*SubgraphResponse, error) {
	ctx, span := tracer.Start(ctx, "subgraphfetch.Fetch", trace.WithAttributes(attribute.String("subgraph", req.Subgraph)))
	defer span.End()
	s.requestCount.Add(ctx, 1, metric.WithAttributes(attribute.String("subgraph", req.Subgraph)))

	if req.UseAPQ && s.APQ != nil && s.APQ.Supported(req.Subgraph) {
		resp, err := s.fetchAPQ(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errorsIsAPQUnsupported(err) {
			return nil, err
		}
		// fall through to a full-query request
	}

	return s.fetchFull(ctx, req, nil)
}

func (s *Service) fetchAPQ(ctx context.Context, req Request) (*SubgraphResponse, error) {
	hash := Hash(req.Query)
	body := apqBody(req.Variables, hash, "")

	resp, err := s.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	if code := apqErrorCode(resp); code != "" {
		switch code {
		case PersistedQueryNotFound:
			s.APQ.Remember(hash, req.Query)
			return s.fetchFull(ctx, req, &hash)
		case PersistedQueryNotSupported:
			s.APQ.SetSupported(req.Subgraph, false)
			return nil, fmt.Errorf("%w: subgraph does not support APQ", errAPQUnsupported)
		}
	}
	s.APQ.Remember(hash, req.Query)
	return resp, nil
}

func (s *Service) fetchFull(ctx context.Context, req Request, hash *string) (*SubgraphResponse, error) {
	h := ""
	if hash != nil {
		h = *hash
	} else if req.UseAPQ {
		h = Hash(req.Query)
	}
	body := apqBody(req.Variables, h, req.Query)

	if req.UseBatch && s.Batcher != nil {
		return s.Batcher.Do(ctx, req.Subgraph, req.Query, req.Variables)
	}

	return s.send(ctx, req, body)
}

func (s *Service) send(ctx context.Context, req Request, body map[string]any) (*SubgraphResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Subgraph: req.Subgraph, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Host, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Subgraph: req.Subgraph, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	if h := RequestHeaderFromContext(ctx); h != nil {
		HangOverHeaders(httpReq.Header, h, []string{"Authorization", "X-Request-Id"})
	}

	httpResp, err := s.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Subgraph: req.Subgraph, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindSubrequestHTTP, Subgraph: req.Subgraph, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Kind: KindSubrequestMalformedResponse, Subgraph: req.Subgraph, Err: err}
	}

	resp, err := coerceHTTPResponse(req.Subgraph, httpResp.StatusCode, httpResp.Header.Get("Content-Type"), raw)
	if resp != nil {
		resp.CacheControl = httpResp.Header.Get("Cache-Control")
	}
	return resp, err
}

// graphqlResponseContentType is the GraphQL-over-HTTP media type that
// carries response semantics on any status code; plain application/json
// only does on 2xx.
const graphqlResponseContentType = "application/graphql-response+json"

// coerceHTTPResponse turns a raw subgraph HTTP reply into a
// SubgraphResponse, per the content-type/status matrix:
//
//   - application/graphql-response+json: the body is a GraphQL response
//     regardless of status; an unparseable body is a malformed-response
//     failure.
//   - application/json on 2xx: same parsing, same malformed failure.
//   - application/json on non-2xx: a parseable body is used as-is; an
//     unparseable body degrades to a response whose only error wraps the
//     raw body text (an empty body adds no error of its own).
//   - anything else on 2xx: a hard failure naming the accepted types; on
//     non-2xx the body is wrapped the same way as unparseable JSON.
//
// On every non-2xx status the returned response additionally gets a
// subgraph-attributed HTTP error prepended to its error list, so the
// client always learns the transport-level failure first even when the
// subgraph produced well-formed GraphQL errors of its own.
func coerceHTTPResponse(subgraph string, status int, contentType string, raw []byte) (*SubgraphResponse, error) {
	ok2xx := status >= 200 && status < 300

	var decoded *SubgraphResponse
	switch {
	case strings.Contains(contentType, graphqlResponseContentType):
		decoded = &SubgraphResponse{}
		if err := json.Unmarshal(raw, decoded); err != nil {
			return nil, &Error{Kind: KindSubrequestMalformedResponse, Subgraph: subgraph, Err: err}
		}
	case strings.Contains(contentType, "application/json"):
		decoded = &SubgraphResponse{}
		if err := json.Unmarshal(raw, decoded); err != nil {
			if ok2xx {
				return nil, &Error{Kind: KindSubrequestMalformedResponse, Subgraph: subgraph, Err: err}
			}
			decoded = wrapRawBody(raw)
		}
	default:
		if ok2xx {
			return nil, &Error{
				Kind:     KindSubrequestHTTP,
				Subgraph: subgraph,
				Status:   status,
				Err:      fmt.Errorf("unexpected content-type %q; expected %s or application/json", contentType, graphqlResponseContentType),
			}
		}
		decoded = wrapRawBody(raw)
	}

	if !ok2xx {
		decoded.Errors = append([]GraphQLError{httpStatusError(subgraph, status)}, decoded.Errors...)
	}

	return CoerceResponse(decoded), nil
}

// wrapRawBody folds a non-GraphQL error body into a response-shaped
// value so the text still reaches the client as a GraphQL error.
func wrapRawBody(raw []byte) *SubgraphResponse {
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return &SubgraphResponse{}
	}
	return &SubgraphResponse{Errors: []GraphQLError{{Message: body}}}
}

// httpStatusError builds the subgraph-attributed error entry prepended
// to every non-2xx response, e.g. "500: Internal Server Error".
func httpStatusError(subgraph string, status int) GraphQLError {
	return GraphQLError{
		Message: fmt.Sprintf("%d: %s", status, http.StatusText(status)),
		Extensions: map[string]any{
			"code":    "SUBREQUEST_HTTP_ERROR",
			"service": subgraph,
			"http":    map[string]any{"status": status},
		},
	}
}

func apqBody(variables map[string]any, hash, query string) map[string]any {
	body := map[string]any{}
	if variables != nil {
		body["variables"] = variables
	}
	if query != "" {
		body["query"] = query
	}
	if hash != "" {
		body["extensions"] = map[string]any{
			"persistedQuery": map[string]any{"version": 1, "sha256Hash": hash},
		}
	}
	return body
}

// apqErrorCode extracts the APQ negotiation signal from a subgraph
// response, accepting both spellings in the wild: a machine-readable
// extensions.code, or the bare error message Apollo-style servers send.
func apqErrorCode(resp *SubgraphResponse) string {
	if resp == nil {
		return ""
	}
	for _, e := range resp.Errors {
		if code, ok := e.Extensions["code"].(string); ok {
			if code == PersistedQueryNotFound || code == PersistedQueryNotSupported {
				return code
			}
		}
		switch e.Message {
		case "PersistedQueryNotFound":
			return PersistedQueryNotFound
		case "PersistedQueryNotSupported":
			return PersistedQueryNotSupported
		}
	}
	return ""
}

var errAPQUnsupported = fmt.Errorf("subgraphfetch: apq unsupported")

func errorsIsAPQUnsupported(err error) bool {
	return errors.Is(err, errAPQUnsupported)
}
