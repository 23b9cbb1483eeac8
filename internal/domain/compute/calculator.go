package compute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rdrf/rdrf/internal/domain/calculation"
)

var (
	ErrUnknownCalculation = errors.New("no calculation registered for cde")
	ErrMissingInput       = errors.New("input is missing or not a number")
)

// Input is what a calculator sees of one compute request.
type Input struct {
	CDECode string
	Patient calculation.PatientContext
	Values  map[string]calculation.Scalar
	Today   time.Time
}

// Number returns a numeric input. Text that parses as a number is accepted.
func (in Input) Number(code string) (float64, error) {
	v, ok := in.Values[code]
	if !ok {
		return 0, fmt.Errorf("%s: %w", code, ErrMissingInput)
	}
	switch v.Kind {
	case calculation.KindNumber:
		return v.Num, nil
	case calculation.KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", code, ErrMissingInput)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s: %w", code, ErrMissingInput)
}

// Text returns the text form of an input, empty when absent.
func (in Input) Text(code string) string {
	return in.Values[code].String()
}

// Calculator derives the value of one calculated CDE.
type Calculator interface {
	Calculate(ctx context.Context, in Input) (calculation.Scalar, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, in Input) (calculation.Scalar, error)

func (f CalculatorFunc) Calculate(ctx context.Context, in Input) (calculation.Scalar, error) {
	return f(ctx, in)
}

// Registry maps CDE codes to calculators. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calcs map[string]Calculator
}

func NewRegistry() *Registry {
	return &Registry{calcs: make(map[string]Calculator)}
}

// Register installs calc for code, replacing any earlier one.
func (r *Registry) Register(code string, calc Calculator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calcs[code] = calc
}

// Lookup returns the calculator for code.
func (r *Registry) Lookup(code string) (Calculator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calc, ok := r.calcs[code]
	if !ok {
		return nil, fmt.Errorf("%s: %w", code, ErrUnknownCalculation)
	}
	return calc, nil
}

// Codes lists the registered CDE codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.calcs))
	for code := range r.calcs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
