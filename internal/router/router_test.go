package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, s)
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func ok(ev pipeline.Event) pipeline.Result {
	return pipeline.Result{OK: true, Action: pipeline.ActionNoChange, Event: ev.Event, EntityTypeID: ev.EntityTypeID, ItemID: ev.ItemID}
}

func TestLookupUnknownEntityIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Register(1036, HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result { return ok(ev) }))

	r := New(reg, NewQueue())
	res := r.Do(context.Background(), pipeline.Event{Event: pipeline.EventItemUpdate, EntityTypeID: 31, ItemID: 7})
	if !res.OK || res.Action != ActionIgnoredUnknownEntity || res.ItemID != 7 || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}

	if got := reg.EntityTypes(); len(got) != 1 || got[0] != 1036 {
		t.Errorf("EntityTypes = %v", got)
	}
}

func TestDispatchSameItemRunsInOrder(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register(1036, HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result {
		rec.add("start " + ev.Event)
		if ev.Event == "first" {
			time.Sleep(30 * time.Millisecond)
		}
		rec.add("end " + ev.Event)
		return ok(ev)
	}))
	r := New(reg, NewQueue())

	a := r.Dispatch(context.Background(), pipeline.Event{Event: "first", EntityTypeID: 1036, ItemID: 5})
	b := r.Dispatch(context.Background(), pipeline.Event{Event: "second", EntityTypeID: 1036, ItemID: 5})
	<-a
	<-b

	want := []string{"start first", "end first", "start second", "end second"}
	got := rec.entries()
	if len(got) != len(want) {
		t.Fatalf("log = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("log = %v, want %v", got, want)
		}
	}
}

func TestDispatchPanicIsIsolated(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	reg.Register(1036, HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result {
		if ev.ItemID == 1 {
			<-release
			panic("boom")
		}
		return ok(ev)
	}))
	r := New(reg, NewQueue())

	bad := r.Dispatch(context.Background(), pipeline.Event{Event: "x", EntityTypeID: 1036, ItemID: 1})
	after := r.Dispatch(context.Background(), pipeline.Event{Event: "y", EntityTypeID: 1036, ItemID: 1})

	// Another item is not held up by the blocked one.
	select {
	case res := <-r.Dispatch(context.Background(), pipeline.Event{Event: "z", EntityTypeID: 1036, ItemID: 2}):
		if !res.OK {
			t.Errorf("other item = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("other item blocked by a pending item")
	}

	close(release)
	res := <-bad
	if res.OK || res.Action != ActionPanic || res.Error != "boom" || res.ItemID != 1 {
		t.Errorf("panic result = %+v", res)
	}
	// The second event panics too, but it still ran.
	if res := <-after; res.Action != ActionPanic || res.Event != "y" {
		t.Errorf("queued event = %+v", res)
	}
}

func TestDoCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	reg.Register(1036, HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result {
		<-release
		return ok(ev)
	}))
	r := New(reg, NewQueue())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := r.Do(ctx, pipeline.Event{Event: "x", EntityTypeID: 1036, ItemID: 1})
	if res.OK || res.Action != ActionCanceled {
		t.Errorf("result = %+v", res)
	}
	if r.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", r.Pending())
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	reg := NewRegistry()
	reg.Register(1036, HandlerFunc(func(_ context.Context, ev pipeline.Event) pipeline.Result { return ok(ev) }))
	q := NewQueue()
	r := New(reg, q)

	if err := q.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := r.Do(context.Background(), pipeline.Event{Event: "x", EntityTypeID: 1036, ItemID: 3})
	if res.OK || res.Action != ActionShuttingDown || res.ItemID != 3 || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", r.Pending())
	}
}
