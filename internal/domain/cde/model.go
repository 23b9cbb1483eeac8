package cde

import (
	"time"
)

// CommonDataElement maps to the rdrf_cde table. A CDE with calculation
// inputs is a calculated field: its value is derived by the compute service
// from the listed CDE codes.
type CommonDataElement struct {
	Code              string    `db:"code" json:"code"`
	Name              string    `db:"name" json:"name"`
	Desc              string    `db:"description" json:"desc"`
	Datatype          string    `db:"datatype" json:"datatype"`
	Instructions      string    `db:"instructions" json:"instructions"`
	MaxLength         *int      `db:"max_length" json:"max_length,omitempty"`
	MinValue          *float64  `db:"min_value" json:"min_value,omitempty"`
	MaxValue          *float64  `db:"max_value" json:"max_value,omitempty"`
	IsRequired        bool      `db:"is_required" json:"is_required"`
	Pattern           string    `db:"pattern" json:"pattern"`
	Widget            string    `db:"widget_name" json:"widget_name"`
	CalculationInputs []string  `db:"calculation_inputs" json:"calculation_inputs"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// IsCalculated reports whether the CDE is derived from other CDEs.
func (c *CommonDataElement) IsCalculated() bool {
	return len(c.CalculationInputs) > 0
}

var validDatatypes = map[string]bool{
	"string": true, "integer": true, "float": true, "date": true,
	"boolean": true, "range": true, "calculated": true,
}
