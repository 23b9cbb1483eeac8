package form

import (
	"sync"
	"sync/atomic"
)

// EventType names an event raised on a control.
type EventType string

const (
	EventChange EventType = "change"
	EventKeyUp  EventType = "keyup"
)

// Origin tells listeners who raised an event.
type Origin int

const (
	// OriginUser marks events caused by typing, pasting or a popup callback.
	OriginUser Origin = iota
	// OriginEngine marks events raised after a computed value was written.
	OriginEngine
)

func (o Origin) String() string {
	if o == OriginEngine {
		return "engine"
	}
	return "user"
}

// Event is delivered to every handler attached for its type.
type Event struct {
	Type    EventType
	Origin  Origin
	Control *Control
}

// Handler reacts to an event.
type Handler func(Event)

// Handle identifies an attached handler so it can be detached later.
type Handle uint64

var handleSeq atomic.Uint64

// Validity is the state of a control's validation indicator.
type Validity int

const (
	ValidityUnknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type binding struct {
	handle Handle
	event  EventType
	fn     Handler
}

// Control is one input element of the form.
type Control struct {
	ID      string
	Code    string
	Section string
	Type    InputType

	copy bool

	mu       sync.RWMutex
	value    string
	validity Validity
	bindings []binding
}

// NewControl builds a control with an initial value.
func NewControl(id string, typ InputType, value string) *Control {
	return &Control{ID: id, Type: typ, value: value}
}

// Value returns the raw text of the control.
func (c *Control) Value() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// SetValue replaces the raw text without raising any event.
func (c *Control) SetValue(v string) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// IsNumeric reports whether the control is declared as a number input.
func (c *Control) IsNumeric() bool {
	return c.Type == TypeNumber
}

// Validity returns the indicator state.
func (c *Control) Validity() Validity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validity
}

// SetValidity updates the indicator state.
func (c *Control) SetValidity(v Validity) {
	c.mu.Lock()
	c.validity = v
	c.mu.Unlock()
}

// On attaches a handler for one event type.
func (c *Control) On(event EventType, fn Handler) Handle {
	h := Handle(handleSeq.Add(1))
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{handle: h, event: event, fn: fn})
	c.mu.Unlock()
	return h
}

// Off detaches a handler. It reports whether the handle was attached.
func (c *Control) Off(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.bindings {
		if b.handle == h {
			c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers counts the handlers attached for an event type.
func (c *Control) Handlers(event EventType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.bindings {
		if b.event == event {
			n++
		}
	}
	return n
}

// Trigger raises an event. Handlers run on the caller's goroutine, outside
// the control's lock, in the order they were attached.
func (c *Control) Trigger(event EventType, origin Origin) {
	c.mu.RLock()
	var fns []Handler
	for _, b := range c.bindings {
		if b.event == event {
			fns = append(fns, b.fn)
		}
	}
	c.mu.RUnlock()

	evt := Event{Type: event, Origin: origin, Control: c}
	for _, fn := range fns {
		fn(evt)
	}
}

// Input simulates a user typing a new value: the value is replaced and a
// keyup event is raised.
func (c *Control) Input(v string) {
	c.SetValue(v)
	c.Trigger(EventKeyUp, OriginUser)
}

// Commit simulates a user committing a new value: the value is replaced and a
// change event is raised.
func (c *Control) Commit(v string) {
	c.SetValue(v)
	c.Trigger(EventChange, OriginUser)
}
