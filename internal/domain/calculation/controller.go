// Package calculation keeps the calculated fields of a data-entry form in
// sync with their inputs. A Controller is created per rendered form: it
// tracks which inputs feed which computed fields, recomputes a computed field
// through the remote compute service once its inputs stop changing, writes
// the answer back and cascades into computed fields that depend on it.
package calculation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyObserver = errors.New("observer is required")
	ErrNoInputs      = errors.New("at least one input is required")
	ErrClosed        = errors.New("controller is closed")
)

type options struct {
	log      zerolog.Logger
	debounce time.Duration
	maxDepth int
	policy   StalePolicy
	metrics  *Metrics
}

// Option configures a Controller.
type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

func WithMaxCascadeDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

func WithStalePolicy(p StalePolicy) Option {
	return func(o *options) { o.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Controller owns all calculated-field state of one form instance.
type Controller struct {
	ID uuid.UUID

	registry    *Registry
	listeners   *ListenerManager
	coordinator *Coordinator
	tracker     *tracker
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	patient PatientContext
	closed  bool
}

// NewController wires a controller over the form's fields. Exchanges go
// through evaluator.
func NewController(fields Fields, evaluator Evaluator, opts ...Option) *Controller {
	o := options{
		log:      zerolog.Nop(),
		debounce: DefaultDebounce,
		maxDepth: DefaultMaxCascadeDepth,
		policy:   StaleDiscard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}

	id := uuid.New()
	log := o.log.With().Str("form_session", id.String()).Logger()
	t := newTracker()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		ID:        id,
		registry:  NewRegistry(),
		listeners: newListenerManager(fields, o.debounce, t),
		tracker:   t,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.coordinator = &Coordinator{
		registry:  c.registry,
		extractor: NewExtractor(fields),
		evaluator: evaluator,
		applier:   NewApplier(fields),
		patient:   c.Patient,
		tracker:   t,
		metrics:   o.metrics,
		log:       log,
		policy:    o.policy,
		maxDepth:  o.maxDepth,
		seq:       make(map[FieldCode]uint64),
	}
	return c
}

// Register declares a computed field. Its inputs replace any earlier ones,
// the field is recomputed at once so the displayed value follows the compute
// service's current logic, and every known input is rebound.
func (c *Controller) Register(reg Registration) error {
	if reg.Observer == "" {
		return ErrEmptyObserver
	}
	if len(reg.Inputs) == 0 {
		return ErrNoInputs
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.patient = reg.PatientContext
	c.mu.Unlock()

	c.registry.Register(reg.Observer, reg.Inputs)
	c.log.Debug().Str("observer", reg.Observer).Strs("inputs", reg.Inputs).Msg("calculation registered")

	c.coordinator.Trigger(c.ctx, []FieldCode{reg.Observer})
	c.Rebind()
	return nil
}

// Rebind attaches debounced handlers to every control of every known input.
// Call it after duplicating a form section so the new controls are covered.
func (c *Controller) Rebind() {
	for _, input := range c.registry.Inputs() {
		input := input
		c.listeners.Bind(input, func() {
			c.coordinator.Trigger(c.ctx, c.quiesced(input))
		})
	}
}

// quiesced returns the observers of input that are ready to recompute. An
// observer with another input still inside its debounce window is left to
// that input's timer, so one burst across several inputs costs one request.
func (c *Controller) quiesced(input FieldCode) []FieldCode {
	var ready []FieldCode
	for _, o := range c.registry.ObserversOf(input) {
		waiting := false
		for _, in := range c.registry.InputsOf(o) {
			if in != input && c.listeners.IsPending(in) {
				waiting = true
				break
			}
		}
		if !waiting {
			ready = append(ready, o)
		}
	}
	return ready
}

// Trigger recomputes the given observers immediately, bypassing the debounce.
// Codes that were never registered are ignored.
func (c *Controller) Trigger(observers ...FieldCode) {
	known := make([]FieldCode, 0, len(observers))
	for _, o := range observers {
		if c.registry.IsObserver(o) {
			known = append(known, o)
		} else {
			c.log.Debug().Str("observer", o).Msg("trigger for unregistered field ignored")
		}
	}
	if len(known) > 0 {
		c.coordinator.Trigger(c.ctx, known)
	}
}

// Patient returns the patient context sent with every request.
func (c *Controller) Patient() PatientContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patient
}

// Registry exposes the dependency graph.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Pending reports outstanding debounce timers and exchanges.
func (c *Controller) Pending() int {
	return c.tracker.pending()
}

// Wait blocks until no debounce timer is pending and no exchange, cascaded
// ones included, is in flight.
func (c *Controller) Wait(ctx context.Context) error {
	return c.tracker.wait(ctx)
}

// Close detaches all handlers, stops pending timers and cancels in-flight
// exchanges. The controller cannot be reused.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.listeners.Close()
	c.cancel()
}
