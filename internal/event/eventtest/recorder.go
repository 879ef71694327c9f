// Package eventtest records events published on a bus so tests can assert on them.
package eventtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/event"
)

type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Record subscribes a new recorder to the named events.
func Record(b *event.Bus, names ...string) *Recorder {
	r := &Recorder{}
	for _, name := range names {
		b.Subscribe(name, r.handle)
	}

	return r
}

func (r *Recorder) handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events with the given name, in arrival order.
func (r *Recorder) Events(name string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []event.Event
	for _, e := range r.events {
		if e.Name() == name {
			out = append(out, e)
		}
	}

	return out
}

// Wait blocks until at least n events with the given name were recorded and returns them.
func (r *Recorder) Wait(t testing.TB, name string, n int) []event.Event {
	t.Helper()

	var got []event.Event
	require.Eventually(t, func() bool {
		got = r.Events(name)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, name)

	return got
}
