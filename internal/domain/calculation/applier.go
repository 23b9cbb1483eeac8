package calculation

import "github.com/rdrf/rdrf/internal/platform/form"

// Applier writes computed values into their field.
type Applier struct {
	fields Fields
}

func NewApplier(fields Fields) *Applier {
	return &Applier{fields: fields}
}

// Apply writes value into every control of observer and raises an
// engine-originated change event on each. It returns the number of controls
// written.
func (a *Applier) Apply(observer FieldCode, value Scalar) int {
	text := value.String()
	if value.IsNaN() {
		text = ""
	}
	controls := a.fields.Lookup(observer)
	for _, c := range controls {
		c.SetValue(text)
		c.Trigger(form.EventChange, form.OriginEngine)
	}
	return len(controls)
}
