package cde

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/rdrf/rdrf/internal/domain/calculation"
	"github.com/rdrf/rdrf/internal/domain/validation"
)

const (
	patternCommandPrefix = "pattern:"
	rangeCommandPrefix   = "range:"
)

var ErrInvalid = errors.New("invalid cde")

type Service struct {
	repo  Repository
	group singleflight.Group
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) validate(c *CommonDataElement) error {
	if c.Code == "" {
		return invalid("code is required")
	}
	if strings.Contains(c.Code, "__") {
		return invalid("code must not contain the field delimiter")
	}
	if c.Name == "" {
		return invalid("name is required")
	}
	if !validDatatypes[c.Datatype] {
		return invalid("unknown datatype %q", c.Datatype)
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return invalid("pattern: %v", err)
		}
	}
	if c.MinValue != nil && c.MaxValue != nil && *c.MinValue > *c.MaxValue {
		return invalid("min_value exceeds max_value")
	}
	seen := make(map[string]bool, len(c.CalculationInputs))
	for _, in := range c.CalculationInputs {
		switch {
		case in == "":
			return invalid("calculation input codes must not be empty")
		case in == c.Code:
			return invalid("%s cannot be an input of its own calculation", c.Code)
		case seen[in]:
			return invalid("calculation input %s listed twice", in)
		}
		seen[in] = true
	}
	return nil
}

func (s *Service) CreateCDE(ctx context.Context, c *CommonDataElement) error {
	if err := s.validate(c); err != nil {
		return err
	}
	return s.repo.Create(ctx, c)
}

func (s *Service) GetCDE(ctx context.Context, code string) (*CommonDataElement, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) UpdateCDE(ctx context.Context, c *CommonDataElement) error {
	if err := s.validate(c); err != nil {
		return err
	}
	return s.repo.Update(ctx, c)
}

func (s *Service) DeleteCDE(ctx context.Context, code string) error {
	return s.repo.Delete(ctx, code)
}

func (s *Service) ListCDEs(ctx context.Context, limit, offset int) ([]*CommonDataElement, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Registrations returns one registration per calculated CDE among codes, in
// the order the codes were given, all sharing patient. With no codes every
// calculated CDE is returned, ordered by code.
func (s *Service) Registrations(ctx context.Context, codes []string, patient calculation.PatientContext) ([]calculation.Registration, error) {
	if len(codes) == 0 {
		return s.allRegistrations(ctx, patient)
	}
	items, err := s.repo.ListByCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("load cdes: %w", err)
	}
	byCode := make(map[string]*CommonDataElement, len(items))
	for _, c := range items {
		byCode[c.Code] = c
	}

	var regs []calculation.Registration
	for _, code := range codes {
		c, ok := byCode[code]
		if !ok || !c.IsCalculated() {
			continue
		}
		regs = append(regs, calculation.Registration{
			Observer:       c.Code,
			Inputs:         append([]string(nil), c.CalculationInputs...),
			PatientContext: patient,
		})
	}
	return regs, nil
}

func (s *Service) allRegistrations(ctx context.Context, patient calculation.PatientContext) ([]calculation.Registration, error) {
	calc, err := s.Calculated(ctx)
	if err != nil {
		return nil, fmt.Errorf("load calculated cdes: %w", err)
	}
	codes := make([]string, 0, len(calc))
	for code := range calc {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	regs := make([]calculation.Registration, 0, len(codes))
	for _, code := range codes {
		regs = append(regs, calculation.Registration{
			Observer:       code,
			Inputs:         append([]string(nil), calc[code]...),
			PatientContext: patient,
		})
	}
	return regs, nil
}

// IsCalculated reports whether code names a calculated CDE. Unknown codes
// are not calculated. Concurrent lookups of one code share a query, which
// runs detached from any single caller's cancellation.
func (s *Service) IsCalculated(ctx context.Context, code string) (bool, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("calc:"+code, func() (interface{}, error) {
		c, err := s.repo.GetByCode(shared, code)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return c.IsCalculated(), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Calculated maps every calculated CDE code to its inputs.
func (s *Service) Calculated(ctx context.Context) (map[string][]string, error) {
	items, err := s.repo.ListCalculated(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(items))
	for _, c := range items {
		out[c.Code] = c.CalculationInputs
	}
	return out, nil
}

// LookupCommand resolves "pattern:<CODE>" to a check of the CDE's regular
// expression and "range:<CODE>" to a check of its numeric bounds.
func (s *Service) LookupCommand(ctx context.Context, name string) (validation.Command, bool, error) {
	var code string
	var build func(*CommonDataElement) (validation.Command, bool)
	switch {
	case strings.HasPrefix(name, patternCommandPrefix):
		code = strings.TrimPrefix(name, patternCommandPrefix)
		build = patternCommand
	case strings.HasPrefix(name, rangeCommandPrefix):
		code = strings.TrimPrefix(name, rangeCommandPrefix)
		build = rangeCommand
	default:
		return nil, false, nil
	}

	c, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cmd, ok := build(c)
	return cmd, ok, nil
}

func patternCommand(c *CommonDataElement) (validation.Command, bool) {
	if c.Pattern == "" {
		return nil, false
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return nil, false
	}
	return func(_ context.Context, args []string) (bool, error) {
		if len(args) == 0 {
			return false, nil
		}
		return re.MatchString(args[0]), nil
	}, true
}

func rangeCommand(c *CommonDataElement) (validation.Command, bool) {
	if c.MinValue == nil && c.MaxValue == nil {
		return nil, false
	}
	lo, hi := c.MinValue, c.MaxValue
	return func(_ context.Context, args []string) (bool, error) {
		if len(args) == 0 {
			return false, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
		if err != nil {
			return false, nil
		}
		if lo != nil && v < *lo {
			return false, nil
		}
		if hi != nil && v > *hi {
			return false, nil
		}
		return true, nil
	}, true
}
