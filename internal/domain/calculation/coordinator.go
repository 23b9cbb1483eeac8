package calculation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StalePolicy decides what happens to a response that is not the latest one
// issued for its field.
type StalePolicy string

const (
	// StaleDiscard drops out-of-date responses.
	StaleDiscard StalePolicy = "discard"
	// StaleApply writes every response in arrival order: whichever resolves
	// last wins.
	StaleApply StalePolicy = "apply"
)

// ParseStalePolicy validates a policy name. The empty string selects StaleDiscard.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(strings.ToLower(s)) {
	case "", StaleDiscard:
		return StaleDiscard, nil
	case StaleApply:
		return StaleApply, nil
	}
	return "", fmt.Errorf("stale policy must be %q or %q, got %q", StaleDiscard, StaleApply, s)
}

// DefaultMaxCascadeDepth bounds how far one change may propagate.
const DefaultMaxCascadeDepth = 16

// Coordinator recomputes observers: it builds one request per observer,
// exchanges it on its own goroutine and applies the answer, then walks the
// dependency graph into observers of the applied field.
type Coordinator struct {
	registry  *Registry
	extractor *Extractor
	evaluator Evaluator
	applier   *Applier
	patient   func() PatientContext
	tracker   *tracker
	metrics   *Metrics
	log       zerolog.Logger
	policy    StalePolicy
	maxDepth  int

	mu  sync.Mutex
	seq map[FieldCode]uint64
}

// Trigger recomputes each distinct observer independently. The call returns
// once every request has been dispatched; responses are handled
// asynchronously.
func (c *Coordinator) Trigger(ctx context.Context, observers []FieldCode) {
	c.run(ctx, observers, nil)
}

// Latest returns the last sequence number issued for observer.
func (c *Coordinator) Latest(observer FieldCode) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq[observer]
}

func (c *Coordinator) run(ctx context.Context, observers []FieldCode, path []FieldCode) {
	seen := make(map[FieldCode]bool, len(observers))
	for _, o := range observers {
		if seen[o] {
			continue
		}
		seen[o] = true

		if onPath(path, o) {
			c.metrics.CascadeSuppressed.WithLabelValues("cycle").Inc()
			c.log.Warn().Str("observer", o).Strs("path", path).Msg("dependency cycle, cascade stopped")
			continue
		}
		if len(path) > c.maxDepth {
			c.metrics.CascadeSuppressed.WithLabelValues("depth").Inc()
			c.log.Warn().Str("observer", o).Int("depth", len(path)).Msg("cascade depth limit reached")
			continue
		}
		c.dispatch(ctx, o, path)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, observer FieldCode, path []FieldCode) {
	req := &ComputeRequest{
		Observer:       observer,
		PatientContext: c.patient(),
		FormValues:     c.extractor.ExtractAll(c.registry.InputsOf(observer)),
		RequestID:      uuid.NewString(),
	}
	seq := c.next(observer)

	c.tracker.add()
	c.metrics.Requests.Inc()
	c.metrics.InFlight.Inc()
	c.log.Debug().Str("observer", observer).Uint64("seq", seq).Str("request_id", req.RequestID).
		Int("depth", len(path)).Msg("recompute")

	go func() {
		defer c.tracker.done()
		defer c.metrics.InFlight.Dec()

		value, err := c.evaluator.Evaluate(ctx, req)
		if err != nil {
			c.metrics.Failures.Inc()
			c.log.Warn().Err(err).Str("observer", observer).Uint64("seq", seq).
				Str("request_id", req.RequestID).Msg("compute exchange failed, keeping current value")
			return
		}

		if latest := c.Latest(observer); seq != latest {
			c.metrics.Stale.WithLabelValues(string(c.policy)).Inc()
			c.log.Info().Str("observer", observer).Uint64("seq", seq).Uint64("latest", latest).
				Str("policy", string(c.policy)).Msg("stale compute response")
			if c.policy == StaleDiscard {
				return
			}
		}

		c.applier.Apply(observer, value)
		c.metrics.Applied.Inc()

		if next := c.registry.ObserversOf(observer); len(next) > 0 {
			child := make([]FieldCode, len(path), len(path)+1)
			copy(child, path)
			c.run(ctx, next, append(child, observer))
		}
	}()
}

func (c *Coordinator) next(observer FieldCode) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[observer]++
	return c.seq[observer]
}

func onPath(path []FieldCode, code FieldCode) bool {
	for _, p := range path {
		if p == code {
			return true
		}
	}
	return false
}
