package calculation

import (
	"sync"
	"time"

	"github.com/rdrf/rdrf/internal/platform/form"
)

// DefaultDebounce is the quiescence window applied to every input field.
const DefaultDebounce = 250 * time.Millisecond

type attachment struct {
	control *form.Control
	handles []form.Handle
}

// ListenerManager attaches debounced change/keyup handlers to input fields.
// Each field code owns one cancellable timer: an event stops the pending
// timer and schedules a fresh one, so only the last event of a burst fires.
type ListenerManager struct {
	fields  Fields
	window  time.Duration
	tracker *tracker

	// fireMu serializes firings so a firing timer always observes the
	// timers of other fields that have not fired yet.
	fireMu sync.Mutex

	mu       sync.Mutex
	attached map[FieldCode][]attachment
	timers   map[FieldCode]*time.Timer
	gen      map[FieldCode]uint64
	closed   bool
}

func NewListenerManager(fields Fields, window time.Duration) *ListenerManager {
	return newListenerManager(fields, window, newTracker())
}

func newListenerManager(fields Fields, window time.Duration, t *tracker) *ListenerManager {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &ListenerManager{
		fields:   fields,
		window:   window,
		tracker:  t,
		attached: make(map[FieldCode][]attachment),
		timers:   make(map[FieldCode]*time.Timer),
		gen:      make(map[FieldCode]uint64),
	}
}

// Bind detaches every handler previously attached for code and attaches a
// fresh one to each control currently carrying the code. It returns the
// number of controls bound.
func (m *ListenerManager) Bind(code FieldCode, onQuiesced func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	m.detachLocked(code)

	handler := func(e form.Event) {
		if e.Origin == form.OriginEngine {
			return
		}
		m.schedule(code, onQuiesced)
	}

	controls := m.fields.Lookup(code)
	list := make([]attachment, 0, len(controls))
	for _, c := range controls {
		list = append(list, attachment{
			control: c,
			handles: []form.Handle{
				c.On(form.EventChange, handler),
				c.On(form.EventKeyUp, handler),
			},
		})
	}
	m.attached[code] = list
	return len(controls)
}

// Unbind detaches the handlers for code. A pending timer still fires.
func (m *ListenerManager) Unbind(code FieldCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(code)
}

// Pending reports how many field codes have a scheduled timer.
func (m *ListenerManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// IsPending reports whether code has a scheduled timer.
func (m *ListenerManager) IsPending(code FieldCode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[code]
	return ok
}

// Close detaches every handler and stops every pending timer.
func (m *ListenerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for code := range m.attached {
		m.detachLocked(code)
	}
	for code, t := range m.timers {
		if t.Stop() {
			m.tracker.done()
		}
		delete(m.timers, code)
	}
}

func (m *ListenerManager) detachLocked(code FieldCode) {
	for _, a := range m.attached[code] {
		for _, h := range a.handles {
			a.control.Off(h)
		}
	}
	delete(m.attached, code)
}

func (m *ListenerManager) schedule(code FieldCode, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[code]; ok && t.Stop() {
		m.tracker.done()
	}
	m.gen[code]++
	g := m.gen[code]
	m.tracker.add()
	m.timers[code] = time.AfterFunc(m.window, func() { m.fire(code, g, fn) })
}

// fire runs on the timer goroutine. A timer that lost the race with Stop
// still accounts for itself but does not invoke fn. fn must not block.
func (m *ListenerManager) fire(code FieldCode, g uint64, fn func()) {
	defer m.tracker.done()
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	m.mu.Lock()
	current := m.gen[code] == g && !m.closed
	if current {
		delete(m.timers, code)
	}
	m.mu.Unlock()

	if current {
		fn()
	}
}
