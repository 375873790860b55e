package xioctx

import "testing"

type recordingObserver struct {
	events []Event
}

func (r *recordingObserver) OnEvent(ev Event) { r.events = append(r.events, ev) }

func TestNotifyFansOutToAllObservers(t *testing.T) {
	t.Parallel()
	ctx := New(3, nil)
	a := &recordingObserver{}
	b := &recordingObserver{}
	ctx.RegisterObserver(a)
	ctx.RegisterObserver(b)

	ctx.Notify(Event{Kind: EventEstablished})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both observers to receive one event, got %d and %d", len(a.events), len(b.events))
	}
}

func TestPostCloseRunsOnRunDeferred(t *testing.T) {
	t.Parallel()
	ctx := New(0, nil)
	ran := false
	ctx.PostClose(func() { ran = true })
	if ran {
		t.Fatal("PostClose must not run synchronously")
	}
	ctx.RunDeferred()
	if !ran {
		t.Fatal("expected RunDeferred to execute the deferred function")
	}
}

func TestPostCloseAfterShutdownRunsInline(t *testing.T) {
	t.Parallel()
	ctx := New(0, nil)
	ctx.Shutdown()
	ran := false
	ctx.PostClose(func() { ran = true })
	if !ran {
		t.Fatal("expected PostClose to run inline once the context is closed")
	}
}

func TestShutdownNotifiesEventClose(t *testing.T) {
	t.Parallel()
	ctx := New(0, nil)
	obs := &recordingObserver{}
	ctx.RegisterObserver(obs)
	ctx.Shutdown()
	if len(obs.events) != 1 || obs.events[0].Kind != EventClose {
		t.Fatalf("expected a single EventClose, got %+v", obs.events)
	}
}
