package chatexchange

import "sync"

// Dispatcher routes decoded events to at most one handler per kind.
// Events of a kind without a handler are dropped.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]func(Event)
	onError  func(error)
}

// Handle registers fn for kind, replacing any previous handler. A nil fn
// unregisters.
func (d *Dispatcher) Handle(kind EventKind, fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		delete(d.handlers, kind)
		return
	}
	if d.handlers == nil {
		d.handlers = make(map[EventKind]func(Event))
	}
	d.handlers[kind] = fn
}

func (d *Dispatcher) SetOnError(fn func(error)) {
	d.mu.Lock()
	d.onError = fn
	d.mu.Unlock()
}

// Dispatch invokes the handler registered for ev's kind and reports
// whether one ran.
func (d *Dispatcher) Dispatch(ev Event) bool {
	d.mu.RLock()
	fn := d.handlers[ev.Kind()]
	d.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

func (d *Dispatcher) fireError(err error) {
	d.mu.RLock()
	fn := d.onError
	d.mu.RUnlock()
	if fn != nil && err != nil {
		fn(err)
	}
}

// handle registers a typed handler for kind.
func handle[E Event](d *Dispatcher, kind EventKind, fn func(E)) {
	if fn == nil {
		d.Handle(kind, nil)
		return
	}
	d.Handle(kind, func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
