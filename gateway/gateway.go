package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/n9te9/federation-engine/federation/executor"
	"github.com/n9te9/federation-engine/federation/graph"
	"github.com/n9te9/federation-engine/federation/planner"
	"github.com/n9te9/federation-engine/internal/config"
	"github.com/n9te9/federation-engine/internal/coprocessor"
	"github.com/n9te9/federation-engine/internal/entitycache"
	"github.com/n9te9/federation-engine/internal/operation"
	"github.com/n9te9/federation-engine/internal/subgraphfetch"
	"github.com/n9te9/federation-engine/registry"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type gateway struct {
	graphQLEndpoint string
	serviceName     string

	// mu guards the engine snapshot (planner/executor/superGraph/typeInfo
	// and the sdls/hosts it was built from), which is replaced wholesale
	// whenever a subgraph pushes a schema update to /schema/registration —
	// the gateway-side counterpart of registry.Registry.RegisterGateway's
	// fan-out POST. Everything else on gateway is immutable after NewGateway.
	mu         sync.RWMutex
	planner    *planner.PlannerV2
	executor   *executor.ExecutorV2
	superGraph *graph.SuperGraphV2
	typeInfo   *superGraphTypeInfo
	sdls       map[string]string
	hosts      map[string]string

	normalizer   *operation.Normalizer
	httpClient   *http.Client
	fetchService *subgraphfetch.Service
	cache        *entitycache.Cache
	cacheTTL     time.Duration
	coproc       *coprocessor.Client

	invalidationPath     string
	invalidationHandler  *entitycache.InvalidationHandler
	cachePrivateIDHeader string

	enableComplementRequestId   bool
	enableHangOverRequestHeader bool
	enableOpentelemetryTracing  bool
	useOptimizedPlanner         bool
}

var _ http.Handler = (*gateway)(nil)

// NewGateway builds a gateway from a fully loaded config.GatewayConfig,
// wiring the APQ cache, request batcher, entity response cache, and
// coprocessor client the expanded config surface describes into the
// executor that actually issues subgraph calls.
func NewGateway(settings config.GatewayConfig) (*gateway, error) {
	var subGraphs []*graph.SubGraphV2
	hostByName := map[string]string{}
	sdls := map[string]string{}
	hosts := map[string]string{}
	for _, s := range settings.Services {
		var schema []byte
		for _, f := range s.SchemaFiles {
			src, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			schema = append(schema, src...)
		}

		subGraph, err := graph.NewSubGraphV2(s.Name, schema, s.Host)
		if err != nil {
			return nil, err
		}

		subGraphs = append(subGraphs, subGraph)
		hostByName[s.Name] = s.Host
		sdls[s.Name] = string(schema)
		hosts[s.Name] = s.Host
	}

	superGraph, err := graph.NewSuperGraphV2(subGraphs)
	if err != nil {
		return nil, err
	}

	// Create HTTP client with timeout for subgraph requests
	httpClient := &http.Client{
		Timeout: 3 * time.Second, // 3 second timeout for subgraph requests
	}

	if settings.Opentelemetry.Tracing.Enable {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	var apqCache *subgraphfetch.APQCache
	if settings.APQ.Enable {
		apqCache, err = subgraphfetch.NewAPQCache(settings.APQ.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("gateway: building apq cache: %w", err)
		}
	}

	var batcher *subgraphfetch.Batcher
	if settings.Batching.Enable {
		batcher = subgraphfetch.NewBatcher(settings.Batching.Window(), settings.Batching.MaxBatchSize,
			func(ctx context.Context, subgraph string, reqs []subgraphfetch.BatchItem) ([]*subgraphfetch.SubgraphResponse, error) {
				return sendBatch(ctx, httpClient, hostByName[subgraph], reqs)
			})
	}

	fetchService, err := subgraphfetch.NewService(httpClient, apqCache, batcher)
	if err != nil {
		return nil, fmt.Errorf("gateway: building subgraph fetch service: %w", err)
	}

	var cache *entitycache.Cache
	var cacheTTL time.Duration
	var invalidationHandler *entitycache.InvalidationHandler
	invalidationPath := settings.EntityCache.InvalidationPath
	if invalidationPath == "" {
		invalidationPath = "/invalidation"
	}
	if settings.EntityCache.Enable {
		rdb := redis.NewClient(&redis.Options{Addr: settings.EntityCache.RedisAddr})
		cache = entitycache.New(rdb, settings.EntityCache.Namespace)
		cacheTTL = settings.EntityCache.DefaultMaxAge()
		invalidationHandler = &entitycache.InvalidationHandler{Cache: cache, SharedKey: settings.EntityCache.InvalidationKey}
	}

	var coproc *coprocessor.Client
	if settings.Coprocessor.Enable && settings.Coprocessor.URL != "" {
		coproc = coprocessor.NewClient(httpClient, settings.Coprocessor.URL)
	}

	typeInfo := &superGraphTypeInfo{superGraph: superGraph}

	return &gateway{
		graphQLEndpoint:             settings.Endpoint,
		serviceName:                 settings.ServiceName,
		planner:                     planner.NewPlannerV2(superGraph),
		executor:                    executor.NewExecutorV2(httpClient, superGraph, fetchService, cache, cacheTTL, coproc).WithCachePrivateIDHeader(settings.EntityCache.PrivateIDHeader),
		superGraph:                  superGraph,
		typeInfo:                    typeInfo,
		sdls:                        sdls,
		hosts:                       hosts,
		normalizer:                  &operation.Normalizer{InterfaceObjectTypes: interfaceObjectTypes(subGraphs)},
		httpClient:                  httpClient,
		fetchService:                fetchService,
		cache:                       cache,
		cacheTTL:                    cacheTTL,
		coproc:                      coproc,
		invalidationPath:            invalidationPath,
		invalidationHandler:         invalidationHandler,
		cachePrivateIDHeader:        settings.EntityCache.PrivateIDHeader,
		enableComplementRequestId:   true,
		enableHangOverRequestHeader: settings.EnableHangOverRequestHeader,
		enableOpentelemetryTracing:  settings.Opentelemetry.Tracing.Enable,
		useOptimizedPlanner:         settings.EnableOptimizedPlanner,
	}, nil
}

// sendBatch POSTs a batch of subgraph operations as a single JSON array
// request, the widely supported convention for batched GraphQL-over-HTTP
// (mirrors subgraphfetch.Service.send's single-request handling, but
// decodes an array response instead of one object).
func sendBatch(ctx context.Context, client *http.Client, host string, reqs []subgraphfetch.BatchItem) ([]*subgraphfetch.SubgraphResponse, error) {
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gateway: building batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h := subgraphfetch.RequestHeaderFromContext(ctx); h != nil {
		subgraphfetch.HangOverHeaders(httpReq.Header, h, []string{"Authorization", "X-Request-Id"})
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: sending batch: %w", err)
	}
	defer httpResp.Body.Close()

	var decoded []*subgraphfetch.SubgraphResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("gateway: decoding batch response: %w", err)
	}

	for i, d := range decoded {
		decoded[i] = subgraphfetch.CoerceResponse(d)
		if decoded[i] != nil {
			decoded[i].CacheControl = httpResp.Header.Get("Cache-Control")
		}
	}
	return decoded, nil
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/schema/registration" {
		g.handleSchemaRegistration(w, r)
		return
	}

	if g.invalidationHandler != nil && r.URL.Path == g.invalidationPath {
		g.invalidationHandler.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if g.enableHangOverRequestHeader {
		ctx = subgraphfetch.WithRequestHeader(ctx, r.Header)
	}

	l := lexer.New(req.Query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": p.Errors(),
		})
		return
	}

	g.mu.RLock()
	pl, exec, typeInfo, normalizer, superGraph := g.planner, g.executor, g.typeInfo, g.normalizer, g.superGraph
	useOptimizedPlanner := g.useOptimizedPlanner
	g.mu.RUnlock()

	deferredBranches, aliasRewrites, err := normalizeDocument(doc, req.OperationName, normalizer, typeInfo)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []string{err.Error()},
		})
		return
	}

	// Validate @inaccessible fields
	if err := validateAccessibility(doc, superGraph); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{
				{
					"message":    err.Error(),
					"extensions": map[string]string{"code": "INACCESSIBLE_FIELD"},
				},
			},
		})
		return
	}

	var plan *planner.PlanV2
	if useOptimizedPlanner {
		plan, err = pl.PlanOptimized(ctx, doc, req.Variables)
	} else {
		plan, err = pl.Plan(ctx, doc, req.Variables)
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []string{err.Error()},
		})
		return
	}

	resp, err := exec.Execute(ctx, plan, req.Variables)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []string{err.Error()},
		})
		return
	}

	if len(aliasRewrites) > 0 {
		if data, ok := resp["data"].(map[string]interface{}); ok {
			operation.ReverseAliases(data, aliasRewrites)
		}
	}

	if active := activeDeferredBranches(deferredBranches, req.Variables); len(active) > 0 {
		writeDeferredResponse(w, resp, active)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleSchemaRegistration accepts the same RegistrationRequest body
// registry.Registry.RegisterGateway fans out to every known gateway host,
// recomposes the supergraph with the new/updated subgraph(s) via
// buildEngine, and swaps the engine in atomically under mu so concurrent
// ServeHTTP calls never observe a partially-updated superGraph/planner
// pairing.
func (g *gateway) handleSchemaRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body registry.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Failed to decode request body", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sdls := copyMap(g.sdls)
	hosts := copyMap(g.hosts)
	for _, rg := range body.RegistrationGraphs {
		sdls[rg.Name] = rg.SDL
		hosts[rg.Name] = rg.Host
	}

	engine, err := buildEngine(sdls, hosts, g.httpClient)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to recompose supergraph: %v", err), http.StatusBadRequest)
		return
	}

	g.sdls = sdls
	g.hosts = hosts
	g.superGraph = engine.superGraph
	g.planner = engine.planner
	g.typeInfo = &superGraphTypeInfo{superGraph: engine.superGraph}
	g.executor = executor.NewExecutorV2(g.httpClient, engine.superGraph, g.fetchService, g.cache, g.cacheTTL, g.coproc).WithCachePrivateIDHeader(g.cachePrivateIDHeader)

	w.WriteHeader(http.StatusNoContent)
}

// normalizeDocument runs the matching operation in doc through
// operation.Normalizer (fragment expansion already happened in
// FromExecutable; this pass adds __typename where the planner's merge
// step needs it and collapses duplicate sibling selections), then
// splices the normalized selection set back into doc in place so
// validateAccessibility and planner.Plan see the normalized shape
// without needing to know normalization ran.
//
// It also runs operation.RewriteDefers over the normalized tree and
// returns the extracted branches. The full selection set (deferred
// fields included) is still spliced back into doc so the planner and
// executor resolve everything in this one round trip; the branches are
// used afterward to carve the already-resolved data into the primary
// payload plus one incremental part per deferred branch.
func normalizeDocument(doc *ast.Document, opName string, normalizer *operation.Normalizer, typeInfo *superGraphTypeInfo) ([]operation.DeferredBranch, []operation.FieldToAlias, error) {
	op, err := operation.FromExecutable(doc, opName)
	if err != nil {
		return nil, nil, err
	}

	rootType := "Query"
	switch op.Type {
	case operation.Mutation:
		rootType = "Mutation"
	case operation.Subscription:
		rootType = "Subscription"
	}

	normalized, aliasRewrites := normalizer.Normalize(op, rootType, typeInfo)
	_, branches := operation.RewriteDefers(normalized.SelectionSet, nil)

	for _, def := range doc.Definitions {
		opDef, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		name := ""
		if opDef.Name != nil {
			name = opDef.Name.String()
		}
		if opName != "" && name != opName {
			continue
		}
		opDef.SelectionSet = operation.ToExecutableSelections(normalized.SelectionSet)
		break
	}

	return branches, aliasRewrites, nil
}

// dataAtPath walks data following path's response keys and returns the
// object found there. Only object-valued path segments are supported —
// a deferred selection nested inside a list is delivered as part of the
// primary payload instead of being split out.
func dataAtPath(data map[string]interface{}, path operation.Path) (map[string]interface{}, bool) {
	cur := data
	for _, key := range path {
		next, ok := cur[key]
		if !ok {
			return nil, false
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = m
	}
	return cur, true
}

// branchResponseKeys returns the top-level field response keys a
// deferred branch's selection set resolves, in query order.
func branchResponseKeys(set operation.SelectionSet) []string {
	keys := make([]string, 0, len(set))
	for _, sel := range set {
		if f, ok := sel.(*operation.Field); ok {
			keys = append(keys, f.ResponseKey())
		}
	}
	return keys
}

// jsonPath renders an operation.Path as the string/int mixed array the
// GraphQL incremental delivery payload shape expects. Defer paths never
// carry list indices (see dataAtPath), so every segment is a string.
func jsonPath(path operation.Path) []any {
	out := make([]any, len(path))
	for i, seg := range path {
		out[i] = seg
	}
	return out
}

// activeDeferredBranches resolves each branch's `if: $var` condition
// against the request variables: a branch whose variable is explicitly
// false is not deferred for this request (its fields stay in the primary
// payload), matching how @defer's runtime condition behaves on a server
// that resolved everything up front. An absent variable defaults to
// deferred, the same default @defer(if:) takes when unspecified.
func activeDeferredBranches(branches []operation.DeferredBranch, variables map[string]any) []operation.DeferredBranch {
	out := make([]operation.DeferredBranch, 0, len(branches))
	for _, b := range branches {
		if b.IfVariable != "" {
			if v, ok := variables[b.IfVariable].(bool); ok && !v {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// writeDeferredResponse splits resp's "data" into a primary payload and
// one incremental part per deferred branch, per the GraphQL multipart
// incremental-delivery response shape, and streams them as a
// multipart/mixed response.
func writeDeferredResponse(w http.ResponseWriter, resp map[string]any, branches []operation.DeferredBranch) {
	const boundary = "graphql"

	w.Header().Set("Content-Type", fmt.Sprintf(`multipart/mixed; boundary=%s; deferSpec=20220824`, boundary))
	mw := multipart.NewWriter(w)
	mw.SetBoundary(boundary)

	data, _ := resp["data"].(map[string]interface{})

	type incrementalPart struct {
		Label string         `json:"label,omitempty"`
		Path  []any          `json:"path"`
		Data  map[string]any `json:"data"`
	}

	var parts []incrementalPart
	for _, branch := range branches {
		obj, ok := dataAtPath(data, branch.Path)
		if !ok {
			continue
		}
		branchData := make(map[string]any)
		for _, key := range branchResponseKeys(branch.SelectionSet) {
			if v, ok := obj[key]; ok {
				branchData[key] = v
				delete(obj, key)
			}
		}
		parts = append(parts, incrementalPart{Label: branch.Label, Path: jsonPath(branch.Path), Data: branchData})
	}

	writePart := func(payload any, hasNext bool) {
		body := map[string]any{}
		switch p := payload.(type) {
		case map[string]any:
			for k, v := range p {
				body[k] = v
			}
		}
		body["hasNext"] = hasNext
		partWriter, err := mw.CreatePart(map[string][]string{"Content-Type": {"application/json; charset=utf-8"}})
		if err != nil {
			return
		}
		json.NewEncoder(partWriter).Encode(body)
	}

	initial := map[string]any{"data": data}
	if errs, ok := resp["errors"]; ok {
		initial["errors"] = errs
	}
	writePart(initial, len(parts) > 0)

	for i, part := range parts {
		writePart(map[string]any{"incremental": []incrementalPart{part}}, i < len(parts)-1)
	}

	mw.Close()
}

func (g *gateway) Start(port int) error {
	fmt.Printf("Gateway started on port %d\n", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), g)
}

// validateAccessibility validates that no @inaccessible fields are queried.
func validateAccessibility(doc *ast.Document, superGraph *graph.SuperGraphV2) error {
	for _, def := range doc.Definitions {
		if opDef, ok := def.(*ast.OperationDefinition); ok {
			rootTypeName := "Query"
			switch opDef.Operation {
			case ast.Query:
				rootTypeName = "Query"
			case ast.Mutation:
				rootTypeName = "Mutation"
			case ast.Subscription:
				rootTypeName = "Subscription"
			}

			if err := validateSelectionSet(opDef.SelectionSet, rootTypeName, superGraph); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSelectionSet recursively validates selections.
func validateSelectionSet(selSet []ast.Selection, parentTypeName string, superGraph *graph.SuperGraphV2) error {
	if selSet == nil {
		return nil
	}

	for _, sel := range selSet {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()

			// Skip introspection fields
			if fieldName == "__typename" || fieldName == "__schema" || fieldName == "__type" {
				continue
			}

			// Check if field is inaccessible
			if err := checkFieldAccessibility(parentTypeName, fieldName, superGraph); err != nil {
				return err
			}

			// Get the field type for recursive validation
			nextTypeName := getFieldTypeName(parentTypeName, fieldName, superGraph)
			if nextTypeName != "" {
				if err := validateSelectionSet(s.SelectionSet, nextTypeName, superGraph); err != nil {
					return err
				}
			}

		case *ast.FragmentSpread:
			// Handle fragment spreads
			// For now, skip validation in fragments
			// TODO: Implement fragment validation

		case *ast.InlineFragment:
			// Handle inline fragments
			typeCondition := ""
			if s.TypeCondition != nil {
				typeCondition = s.TypeCondition.String()
			}
			if typeCondition == "" {
				typeCondition = parentTypeName
			}
			if err := validateSelectionSet(s.SelectionSet, typeCondition, superGraph); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkFieldAccessibility checks if a field is inaccessible.
func checkFieldAccessibility(typeName, fieldName string, superGraph *graph.SuperGraphV2) error {
	for _, subGraph := range superGraph.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists {
			if field, ok := entity.Fields[fieldName]; ok {
				if field.IsInaccessible() {
					return fmt.Errorf("Cannot query field \"%s\" on type \"%s\"", fieldName, typeName)
				}
			}
		}

		// Also check non-entity types in the schema
		for _, def := range subGraph.Schema.Definitions {
			if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
				if objDef.Name.String() == typeName {
					for _, f := range objDef.Fields {
						if f.Name.String() == fieldName {
							// Check for @inaccessible directive
							for _, d := range f.Directives {
								if d.Name == "inaccessible" {
									return fmt.Errorf("Cannot query field \"%s\" on type \"%s\"", fieldName, typeName)
								}
							}
						}
					}
				}
			}
		}
	}

	return nil
}

// getFieldTypeName returns the type name of a field.
func getFieldTypeName(typeName, fieldName string, superGraph *graph.SuperGraphV2) string {
	for _, def := range superGraph.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
			if objDef.Name.String() == typeName {
				for _, field := range objDef.Fields {
					if field.Name.String() == fieldName {
						return unwrapTypeName(field.Type)
					}
				}
			}
		}
	}
	return ""
}
