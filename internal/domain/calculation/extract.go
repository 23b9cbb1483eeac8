package calculation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rdrf/rdrf/internal/platform/form"
)

// Fields resolves field codes to form controls.
type Fields interface {
	First(code string) (*form.Control, bool)
	Lookup(code string) []*form.Control
}

var (
	dayMonthYear  = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4})$`)
	numericPrefix = regexp.MustCompile(`^[+-]?(Infinity|(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?)`)
)

// Extractor reads field values and coerces them into request scalars.
type Extractor struct {
	fields Fields
}

func NewExtractor(fields Fields) *Extractor {
	return &Extractor{fields: fields}
}

// Extract returns the coerced value of the first control for code. A missing
// control yields Empty.
func (e *Extractor) Extract(code FieldCode) Scalar {
	c, ok := e.fields.First(code)
	if !ok {
		return Empty()
	}
	raw := c.Value()
	if iso, ok := NormalizeDate(raw); ok {
		raw = iso
	}
	if c.IsNumeric() {
		return ParseNumber(raw)
	}
	return Text(raw)
}

// ExtractAll extracts one scalar per code.
func (e *Extractor) ExtractAll(codes []FieldCode) map[FieldCode]Scalar {
	values := make(map[FieldCode]Scalar, len(codes))
	for _, code := range codes {
		values[code] = e.Extract(code)
	}
	return values
}

// NormalizeDate converts a strict D-M-YYYY calendar date into YYYY-MM-DD.
// Anything else, including impossible dates such as 31-02-2020, is reported
// as not matching.
func NormalizeDate(raw string) (string, bool) {
	m := dayMonthYear.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

// ParseNumber parses the longest numeric prefix of raw after leading
// whitespace, as a browser's parseFloat does. No numeric prefix yields NaN.
func ParseNumber(raw string) Scalar {
	s := strings.TrimLeftFunc(raw, unicode.IsSpace)
	m := numericPrefix.FindString(s)
	if m == "" {
		return NaN()
	}
	switch m {
	case "Infinity", "+Infinity":
		return Number(math.Inf(1))
	case "-Infinity":
		return Number(math.Inf(-1))
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return NaN()
	}
	return Number(f)
}
