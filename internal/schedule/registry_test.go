package schedule

import (
	"sync/atomic"
	"testing"

	logx "pollbot/pkg/logx"
)

type fakeHandle struct {
	stops atomic.Int32
}

func (h *fakeHandle) Stop() { h.stops.Add(1) }

func TestRegisterReplacesAndStopsPrior(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	k := Key{GroupKey: "g", Day: 1}

	old := &fakeHandle{}
	repl := &fakeHandle{}
	r.Register(k, old)
	r.Register(k, repl)

	if got := old.stops.Load(); got != 1 {
		t.Fatalf("prior handle stops = %d, want 1", got)
	}
	if repl.stops.Load() != 0 {
		t.Fatal("replacement handle must not be stopped")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestUnregisterAndStopIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	k := Key{GroupKey: "g", Day: 3}
	h := &fakeHandle{}
	r.Register(k, h)

	if !r.UnregisterAndStop(k) {
		t.Fatal("first unregister should report true")
	}
	if r.UnregisterAndStop(k) {
		t.Fatal("second unregister should be a no-op")
	}
	if got := h.stops.Load(); got != 1 {
		t.Fatalf("stops = %d, want 1", got)
	}
}

func TestUnregisterAndStopAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	h1, h3, other := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	r.Register(Key{GroupKey: "g", Day: 1}, h1)
	r.Register(Key{GroupKey: "g", Day: 3}, h3)
	r.Register(Key{GroupKey: "x", Day: 1}, other)

	if n := r.UnregisterAndStopAll("g"); n != 2 {
		t.Fatalf("stopped = %d, want 2", n)
	}
	if h1.stops.Load() != 1 || h3.stops.Load() != 1 {
		t.Fatal("group g handles must be stopped exactly once")
	}
	if other.stops.Load() != 0 {
		t.Fatal("other group's handle must be untouched")
	}
	if !r.Has(Key{GroupKey: "x", Day: 1}) || r.Len() != 1 {
		t.Fatalf("registry should keep the unrelated handle, Len=%d", r.Len())
	}

	if n := r.UnregisterAndStopAll("g"); n != 0 {
		t.Fatalf("repeat stop-all = %d, want 0", n)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	h := &fakeHandle{}
	r.Register(Key{GroupKey: "g", Day: 0}, h)
	r.StopAll()
	if h.stops.Load() != 1 || r.Len() != 0 {
		t.Fatalf("StopAll left stops=%d len=%d", h.stops.Load(), r.Len())
	}
}
