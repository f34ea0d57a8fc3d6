package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

// EventStore abstracts the inbox and run journal operations.
type EventStore interface {
	ClaimNextEvent() (*storage.InboxEvent, error)
	CompleteEvent(id string) error
	SaveRun(r storage.Run) error
}

// Dispatcher enqueues an event on its item's chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev pipeline.Event) <-chan pipeline.Result
}

// Worker drains the event inbox into the dispatcher. Events are claimed
// one at a time, so items see them in arrival order; the reconciliations
// themselves run concurrently across items.
type Worker struct {
	store    EventStore
	dispatch Dispatcher
	poll     time.Duration
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store EventStore, d Dispatcher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		dispatch: d,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for events until ctx is cancelled. Reconciliations already
// dispatched keep running; use Wait to drain them.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims a single event and dispatches it. Returns true if an
// event was claimed. The result is recorded asynchronously.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	ev, err := w.store.ClaimNextEvent()
	if err != nil {
		return false, fmt.Errorf("claiming event: %w", err)
	}
	if ev == nil {
		return false, nil
	}

	pev := pipeline.Event{
		Event:        ev.Event,
		EntityTypeID: ev.EntityTypeID,
		ItemID:       ev.ItemID,
	}
	if ev.Payload != "" && json.Valid([]byte(ev.Payload)) {
		pev.Payload = json.RawMessage(ev.Payload)
	}

	// A started reconciliation is never aborted by shutdown.
	out := w.dispatch.Dispatch(context.WithoutCancel(ctx), pev)

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		w.record(ev.ID, <-out)
	}()
	return true, nil
}

// Wait blocks until every dispatched event has been recorded or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) record(eventID string, res pipeline.Result) {
	if err := w.store.SaveRun(RunFromResult(eventID, res)); err != nil {
		w.logger.Error("failed to journal run", "event_id", eventID, "run_id", res.RunID, "error", err)
	}
	if err := w.store.CompleteEvent(eventID); err != nil {
		w.logger.Error("failed to complete event", "event_id", eventID, "error", err)
	}
}

// RunFromResult converts a reconciliation result into a journal row.
func RunFromResult(eventID string, res pipeline.Result) storage.Run {
	data, err := json.Marshal(res)
	if err != nil {
		data = []byte("{}")
	}
	started := res.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return storage.Run{
		RunID:        res.RunID,
		EventID:      eventID,
		Event:        res.Event,
		EntityTypeID: res.EntityTypeID,
		ItemID:       res.ItemID,
		OK:           res.OK,
		Action:       res.Action,
		Error:        res.Error,
		ResultJSON:   string(data),
		StartedAt:    started,
		DurationMs:   res.DurationMs,
	}
}
