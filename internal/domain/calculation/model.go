package calculation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// FieldCode names a CDE field within a form.
type FieldCode = string

// PatientContext is sent verbatim with every compute request of a form.
type PatientContext struct {
	DateOfBirth string `json:"patient_date_of_birth" yaml:"patient_date_of_birth"`
	Sex         string `json:"patient_sex" yaml:"patient_sex"`
}

// Registration declares a computed field and the inputs it is derived from.
type Registration struct {
	Observer       FieldCode   `json:"observer" yaml:"observer"`
	Inputs         []FieldCode `json:"inputs" yaml:"inputs"`
	PatientContext `yaml:",inline"`
}

// ComputeRequest is the body posted to the compute service.
type ComputeRequest struct {
	Observer FieldCode `json:"cde_code"`
	PatientContext
	FormValues map[FieldCode]Scalar `json:"form_values"`

	// RequestID travels as the X-Request-ID header.
	RequestID string `json:"-"`
}

// Kind discriminates Scalar values.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindNumber
	KindNaN
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindNaN:
		return "nan"
	default:
		return "empty"
	}
}

// Scalar is a single field value as exchanged with the compute service.
// Empty and NaN serialise as JSON null; so do infinities, which JSON cannot
// carry.
type Scalar struct {
	Kind Kind
	Str  string
	Num  float64
}

// Empty is the value of a field with no control.
func Empty() Scalar { return Scalar{} }

// Text wraps a string value.
func Text(s string) Scalar { return Scalar{Kind: KindText, Str: s} }

// NaN is the sentinel for numeric text that does not parse.
func NaN() Scalar { return Scalar{Kind: KindNaN, Num: math.NaN()} }

// Number wraps a float; a NaN argument yields the NaN sentinel.
func Number(f float64) Scalar {
	if math.IsNaN(f) {
		return NaN()
	}
	return Scalar{Kind: KindNumber, Num: f}
}

// IsNaN reports whether the value is the not-a-number sentinel.
func (s Scalar) IsNaN() bool { return s.Kind == KindNaN }

// String renders the value the way it is displayed in a control.
func (s Scalar) String() string {
	switch s.Kind {
	case KindText:
		return s.Str
	case KindNumber:
		switch {
		case math.IsInf(s.Num, 1):
			return "Infinity"
		case math.IsInf(s.Num, -1):
			return "-Infinity"
		}
		return strconv.FormatFloat(s.Num, 'f', -1, 64)
	case KindNaN:
		return "NaN"
	default:
		return ""
	}
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindText:
		return json.Marshal(s.Str)
	case KindNumber:
		if math.IsInf(s.Num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(s.Num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, numbers, strings and booleans. Objects and
// arrays are rejected: a computed field only ever holds a scalar.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty scalar")
	}
	switch data[0] {
	case 'n':
		*s = Empty()
		return nil
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Text(str)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*s = Text(strconv.FormatBool(b))
		return nil
	case '{', '[':
		return fmt.Errorf("expected a scalar, got %s", kindOfJSON(data[0]))
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*s = Number(f)
		return nil
	}
}

func kindOfJSON(b byte) string {
	if b == '{' {
		return "object"
	}
	return "array"
}
