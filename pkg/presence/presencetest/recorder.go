// Package presencetest provides an in-memory presence.Handle for tests.
package presencetest

import (
	"sync"
)

type Event struct {
	Name    string
	Payload any
}

// Recorder records every event sent to it. Setting Fail makes Send return that
// error instead.
type Recorder struct {
	id string

	mu     sync.Mutex
	events []Event
	Fail   error
}

func New(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.events = append(r.events, Event{Name: event, Payload: payload})
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the payloads of the events called name, in arrival order.
func (r *Recorder) Named(name string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}
