// Package router maps entity types to their reconciliation handlers and
// dispatches events into the per-item queue.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/queue"
)

// ActionIgnoredUnknownEntity is reported for entity types nobody registered.
const ActionIgnoredUnknownEntity = "ignored_unknown_entity"

// Failure actions produced by the router itself.
const (
	ActionPanic        = "handler_panic"
	ActionCanceled     = "canceled"
	ActionShuttingDown = "shutting_down"
)

// Handler reconciles items of one entity type.
type Handler interface {
	Reconcile(ctx context.Context, ev pipeline.Event) pipeline.Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev pipeline.Event) pipeline.Result

func (f HandlerFunc) Reconcile(ctx context.Context, ev pipeline.Event) pipeline.Result {
	return f(ctx, ev)
}

// noop answers every event for an unregistered entity type.
var noop = HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result {
	return pipeline.Result{
		OK:           true,
		Action:       ActionIgnoredUnknownEntity,
		RunID:        uuid.NewString(),
		Event:        ev.Event,
		EntityTypeID: ev.EntityTypeID,
		ItemID:       ev.ItemID,
		ChangedKeys:  []string{},
		StartedAt:    time.Now(),
	}
})

// Registry maps entityTypeId to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[int]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[int]Handler)}
}

// Register binds h to entityTypeID, replacing any earlier handler.
func (r *Registry) Register(entityTypeID int, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entityTypeID] = h
}

// Lookup returns the handler for entityTypeID, or a no-op handler.
func (r *Registry) Lookup(entityTypeID int) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[entityTypeID]; ok {
		return h
	}
	return noop
}

// EntityTypes returns the registered entity types in ascending order.
func (r *Registry) EntityTypes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Router dispatches events through a shared queue.
type Router struct {
	registry *Registry
	queue    *queue.Manager[pipeline.Result]
	logger   *slog.Logger
}

// New creates a Router. q is owned by the caller, which waits on it at
// shutdown.
func New(registry *Registry, q *queue.Manager[pipeline.Result]) *Router {
	return &Router{registry: registry, queue: q, logger: slog.Default()}
}

// NewQueue creates the per-item queue the router dispatches into.
func NewQueue() *queue.Manager[pipeline.Result] {
	return queue.New(func(key string, p any) pipeline.Result {
		return pipeline.Result{Action: ActionPanic, Error: fmt.Sprint(p), RunID: uuid.NewString(), ChangedKeys: []string{}}
	})
}

// Dispatch enqueues ev on its item's chain and returns the channel that
// receives the result. ctx is passed to the handler when it runs.
func (r *Router) Dispatch(ctx context.Context, ev pipeline.Event) <-chan pipeline.Result {
	h := r.registry.Lookup(ev.EntityTypeID)
	out, err := r.queue.Enqueue(ev.Key(), func() (res pipeline.Result) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("reconciliation panicked",
					"entity_type_id", ev.EntityTypeID, "item_id", ev.ItemID, "panic", p)
				res = failed(ev, ActionPanic, fmt.Sprint(p))
			}
		}()
		return h.Reconcile(ctx, ev)
	})
	if err != nil {
		rejected := make(chan pipeline.Result, 1)
		rejected <- failed(ev, ActionShuttingDown, err.Error())
		return rejected
	}
	return out
}

func failed(ev pipeline.Event, action, msg string) pipeline.Result {
	return pipeline.Result{
		Action:       action,
		Error:        msg,
		RunID:        uuid.NewString(),
		Event:        ev.Event,
		EntityTypeID: ev.EntityTypeID,
		ItemID:       ev.ItemID,
		ChangedKeys:  []string{},
		StartedAt:    time.Now(),
	}
}

// Do dispatches ev and waits for its result.
func (r *Router) Do(ctx context.Context, ev pipeline.Event) pipeline.Result {
	out := r.Dispatch(ctx, ev)
	select {
	case res := <-out:
		return res
	case <-ctx.Done():
		return failed(ev, ActionCanceled, ctx.Err().Error())
	}
}

// Pending returns the number of items with queued or running work.
func (r *Router) Pending() int {
	return r.queue.Len()
}
