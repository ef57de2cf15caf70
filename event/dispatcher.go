package event

import "sync"

// Sink receives emitted events. Managers hold a Sink rather than a
// concrete dispatcher so tests can substitute a recorder.
type Sink interface {
	// Emit delivers one event. Emit must not be called concurrently
	// with itself for events whose relative order matters; the managers
	// emit while holding their own locks, which preserves order.
	Emit(e Event)
}

// Listener handles dispatched events.
type Listener interface {
	// HandleEvent is called synchronously for every emitted event, in
	// emission order. Implementations must not block; slow consumers
	// should hand the event off to their own queue.
	HandleEvent(e Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e Event)

// HandleEvent implements Listener.
func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Dispatcher delivers events synchronously to registered listeners in
// registration order. Delivery order across events matches emission
// order: Emit does not return until every listener has seen the event.
//
// Dispatcher is safe for concurrent use. The zero value is not usable;
// call NewDispatcher.
type Dispatcher struct {
	mu        sync.RWMutex
	nextToken int
	listeners []registration
}

type registration struct {
	token    int
	listener Listener
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a listener and returns a function that removes
// the registration. The same listener may be registered more than
// once; it is then called once per registration.
func (d *Dispatcher) Subscribe(l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}
	d.mu.Lock()
	token := d.nextToken
	d.nextToken++
	d.listeners = append(d.listeners, registration{token: token, listener: l})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, reg := range d.listeners {
			if reg.token == token {
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit implements Sink.
func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	listeners := make([]Listener, len(d.listeners))
	for i, reg := range d.listeners {
		listeners[i] = reg.listener
	}
	d.mu.RUnlock()

	for _, l := range listeners {
		l.HandleEvent(e)
	}
}

// nopSink discards all events.
type nopSink struct{}

// Emit implements Sink.
func (nopSink) Emit(Event) {}

// NopSink returns a sink that discards all events. Managers default to
// it when constructed without a dispatcher.
func NopSink() Sink { return nopSink{} }
