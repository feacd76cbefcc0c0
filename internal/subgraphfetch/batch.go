package subgraphfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// batchRequest is one queued request waiting to be folded into the next
// outgoing batch for its subgraph. reply is a oneshot channel: exactly one
// value is ever sent to it, by whichever goroutine assembles and sends
// the batch this request ends up in.
type batchRequest struct {
	query     string
	variables map[string]any
	reply     chan batchResult
}

type batchResult struct {
	resp *SubgraphResponse
	err  error
}

// Batcher coalesces concurrent requests to the same subgraph into a
// single HTTP call within a short window, the way the teacher's
// ExecutorV2 fans out independent steps concurrently via errgroup but
// never coalesced same-subgraph calls — this is new behavior the fetch
// service adds on top.
type Batcher struct {
	window time.Duration
	maxN   int
	send   func(ctx context.Context, subgraph string, reqs []BatchItem) ([]*SubgraphResponse, error)

	mu     sync.Mutex
	queues map[string]*batchQueue
}

// BatchItem is a single operation going into an assembled batch request.
type BatchItem struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type batchQueue struct {
	mu      sync.Mutex
	pending []*batchRequest
	timer   *time.Timer
}

// NewBatcher returns a Batcher that coalesces requests within window (or
// until maxN requests have queued, whichever comes first), dispatching
// through send.
func NewBatcher(window time.Duration, maxN int, send func(ctx context.Context, subgraph string, reqs []BatchItem) ([]*SubgraphResponse, error)) *Batcher {
	return &Batcher{window: window, maxN: maxN, send: send, queues: map[string]*batchQueue{}}
}

// Do enqueues a single operation for subgraph and blocks until the batch
// it was assembled into has been sent and this request's slice of the
// response is available.
func (b *Batcher) Do(ctx context.Context, subgraph, query string, variables map[string]any) (*SubgraphResponse, error) {
	req := &batchRequest{query: query, variables: variables, reply: make(chan batchResult, 1)}

	b.mu.Lock()
	q, ok := b.queues[subgraph]
	if !ok {
		q = &batchQueue{}
		b.queues[subgraph] = q
	}
	b.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, req)
	shouldFlushNow := len(q.pending) >= b.maxN
	if q.timer == nil && !shouldFlushNow {
		q.timer = time.AfterFunc(b.window, func() { b.flush(ctx, subgraph, q) })
	}
	q.mu.Unlock()

	if shouldFlushNow {
		b.flush(ctx, subgraph, q)
	}

	select {
	case res := <-req.reply:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, &Error{Kind: KindCancelled, Subgraph: subgraph, Err: ctx.Err()}
	}
}

func (b *Batcher) flush(ctx context.Context, subgraph string, q *batchQueue) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	items := make([]BatchItem, len(batch))
	for i, r := range batch {
		items[i] = BatchItem{Query: r.query, Variables: r.variables}
	}

	responses, err := b.send(ctx, subgraph, items)
	if err != nil {
		for _, r := range batch {
			r.reply <- batchResult{err: err}
		}
		return
	}

	if len(responses) != len(batch) {
		arityErr := &Error{
			Kind:     KindSubrequestBatching,
			Subgraph: subgraph,
			Err:      fmt.Errorf("sent %d operations, received %d responses", len(batch), len(responses)),
		}
		for _, r := range batch {
			r.reply <- batchResult{err: arityErr}
		}
		return
	}

	for i, r := range batch {
		r.reply <- batchResult{resp: responses[i]}
	}
}

// AssembleBatch renders items as a JSON array body, the wire format most
// subgraph servers (and the teacher's own generated `_example` subgraphs)
// expect for batched GraphQL-over-HTTP requests.
func AssembleBatch(items []BatchItem) ([]byte, error) {
	return json.Marshal(items)
}
