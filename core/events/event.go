package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the service API,
// indexers, webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder collects emitted events in order. It exists for tests and for the
// receipt tracking in the ledger executor, which attaches the events produced
// by an operation to its confirmation.
type Recorder struct {
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.events = append(r.events, evt)
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	return r.events
}

// Reset clears the recorded events.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.events = nil
}
