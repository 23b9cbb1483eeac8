package form

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Definition describes a form layout in YAML:
//
//	name: clinical
//	csrf_token: 3f2a...
//	sections:
//	  - code: VITALS
//	    fields:
//	      - {code: HEIGHT, type: number, value: "180"}
type Definition struct {
	Name      string              `yaml:"name"`
	CSRFToken string              `yaml:"csrf_token"`
	Sections  []SectionDefinition `yaml:"sections"`
}

type SectionDefinition struct {
	Code   string            `yaml:"code"`
	Fields []FieldDefinition `yaml:"fields"`
}

type FieldDefinition struct {
	Code  string    `yaml:"code"`
	Type  InputType `yaml:"type"`
	Value string    `yaml:"value"`
}

// LoadDefinition decodes a YAML form definition.
func LoadDefinition(r io.Reader) (*Definition, error) {
	var def Definition
	if err := yaml.NewDecoder(r).Decode(&def); err != nil {
		return nil, fmt.Errorf("decode form definition: %w", err)
	}
	return &def, nil
}

// Build renders the definition into a Form. Control identifiers follow the
// "<form>____<section>____<code>" convention.
func (d *Definition) Build() (*Form, error) {
	f := New()
	if d.CSRFToken != "" {
		if err := f.Add(NewControl(TokenFieldName, TypeHidden, d.CSRFToken)); err != nil {
			return nil, err
		}
	}
	for _, s := range d.Sections {
		for _, fd := range s.Fields {
			if fd.Code == "" {
				return nil, fmt.Errorf("section %s: field code is required", s.Code)
			}
			id := d.Name + Delimiter + Delimiter + s.Code + Delimiter + Delimiter + fd.Code
			c := NewControl(id, fd.Type, fd.Value)
			c.Code = fd.Code
			c.Section = s.Code
			if err := f.Add(c); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}
