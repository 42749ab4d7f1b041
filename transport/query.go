package transport

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/wasession/wire"
)

// QueryOptions tunes one Query call.
type QueryOptions struct {
	// Timeout defaults to Config.QueryTimeout.
	Timeout time.Duration
	// Match further filters responses carrying the query id. Nil accepts any.
	Match func(wire.Node) bool
}

type queryResult struct {
	node wire.Node
	err  error
}

type pendingQuery struct {
	id    string
	match func(wire.Node) bool
	done  chan queryResult
	elem  *list.Element
}

// queryRegistry holds pending queries keyed by id, oldest first.
type queryRegistry struct {
	mu    sync.Mutex
	max   int
	byID  map[string]*pendingQuery
	order *list.List
}

func newQueryRegistry(max int) *queryRegistry {
	return &queryRegistry{
		max:   max,
		byID:  make(map[string]*pendingQuery),
		order: list.New(),
	}
}

// add registers a query, evicting the oldest entry when the table is full.
func (r *queryRegistry) add(id string, match func(wire.Node) bool) (*pendingQuery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueryID, id)
	}
	for r.max > 0 && r.order.Len() >= r.max {
		oldest := r.order.Front().Value.(*pendingQuery)
		r.removeLocked(oldest)
		oldest.done <- queryResult{err: ErrQueryEvicted}
	}

	p := &pendingQuery{id: id, match: match, done: make(chan queryResult, 1)}
	p.elem = r.order.PushBack(p)
	r.byID[id] = p
	return p, nil
}

func (r *queryRegistry) remove(p *pendingQuery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(p)
}

func (r *queryRegistry) removeLocked(p *pendingQuery) {
	if cur, ok := r.byID[p.id]; !ok || cur != p {
		return
	}
	delete(r.byID, p.id)
	r.order.Remove(p.elem)
}

// resolve delivers n to the matching pending query and reports whether one
// consumed it.
func (r *queryRegistry) resolve(n wire.Node) bool {
	id, ok := n.Attrs.Get("id")
	if !ok {
		return false
	}

	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok || (p.match != nil && !p.match(n)) {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(p)
	r.mu.Unlock()

	p.done <- queryResult{node: n}
	return true
}

// failAll completes every pending query with err.
func (r *queryRegistry) failAll(err error) {
	r.mu.Lock()
	pending := make([]*pendingQuery, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*pendingQuery))
	}
	r.byID = make(map[string]*pendingQuery)
	r.order.Init()
	r.mu.Unlock()

	for _, p := range pending {
		p.done <- queryResult{err: err}
	}
}

func (r *queryRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
