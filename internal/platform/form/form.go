// Package form models the controls of a registry data-entry form: their
// values, declared input types, validity indicators and the change/keyup
// events raised on them. Controls are indexed by field code once, when they
// are added, so lookups never pattern-match identifiers at runtime.
package form

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Delimiter separates the field code from the rest of a control identifier,
// e.g. "clinical____VITALS____HEIGHT" carries the code "HEIGHT".
const Delimiter = "__"

// TokenFieldName is the hidden control holding the per-page anti-forgery token.
const TokenFieldName = "csrfmiddlewaretoken"

// InputType is the declared type of a control.
type InputType string

const (
	TypeText   InputType = "text"
	TypeNumber InputType = "number"
	TypeDate   InputType = "date"
	TypeHidden InputType = "hidden"
)

// CodeFromID returns the field code encoded in a control identifier: the text
// after the last Delimiter, or the whole identifier when it has none.
func CodeFromID(id string) string {
	idx := strings.LastIndex(id, Delimiter)
	if idx < 0 {
		return id
	}
	return id[idx+len(Delimiter):]
}

// Form is the field-identifier-to-control registry of one rendered form.
// It is safe for concurrent use.
type Form struct {
	mu       sync.RWMutex
	controls []*Control
	byID     map[string]*Control
	byCode   map[string][]*Control
	copies   map[string]int // section -> number of duplicated instances
}

// New returns an empty form.
func New() *Form {
	return &Form{
		byID:   make(map[string]*Control),
		byCode: make(map[string][]*Control),
		copies: make(map[string]int),
	}
}

// Add registers a control. When Code is empty it is derived from the ID.
func (f *Form) Add(c *Control) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("control id is required")
	}
	if c.Code == "" {
		c.Code = CodeFromID(c.ID)
	}
	if c.Type == "" {
		c.Type = TypeText
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[c.ID]; exists {
		return fmt.Errorf("control %s already exists", c.ID)
	}
	f.controls = append(f.controls, c)
	f.byID[c.ID] = c
	f.byCode[c.Code] = append(f.byCode[c.Code], c)
	return nil
}

// Control returns the control with the given identifier.
func (f *Form) Control(id string) (*Control, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.byID[id]
	return c, ok
}

// Lookup returns every control sharing the code, in the order they were added.
func (f *Form) Lookup(code string) []*Control {
	f.mu.RLock()
	defer f.mu.RUnlock()
	list := f.byCode[code]
	out := make([]*Control, len(list))
	copy(out, list)
	return out
}

// First returns the earliest added control for the code.
func (f *Form) First(code string) (*Control, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	list := f.byCode[code]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// Codes lists the distinct field codes on the form, sorted.
func (f *Form) Codes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	codes := make([]string, 0, len(f.byCode))
	for code := range f.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CSRFToken reads the anti-forgery token from the hidden token control. It is
// read on every call so a refreshed token is always picked up.
func (f *Form) CSRFToken() string {
	c, ok := f.First(TokenFieldName)
	if !ok {
		return ""
	}
	return c.Value()
}

// DuplicateSection clones the original controls of a section, the way a
// multi-section "add another" button does. The clones share field codes with
// the originals, start empty and carry no event handlers.
func (f *Form) DuplicateSection(section string) ([]*Control, error) {
	f.mu.Lock()
	var originals []*Control
	for _, c := range f.controls {
		if c.Section == section && !c.copy {
			originals = append(originals, c)
		}
	}
	if len(originals) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("section %s not found", section)
	}
	f.copies[section]++
	n := f.copies[section]
	f.mu.Unlock()

	clones := make([]*Control, 0, len(originals))
	for _, orig := range originals {
		prefix := strings.TrimSuffix(orig.ID, Delimiter+orig.Code)
		clone := &Control{
			ID:      prefix + strconv.Itoa(n) + Delimiter + orig.Code,
			Code:    orig.Code,
			Section: orig.Section,
			Type:    orig.Type,
			copy:    true,
		}
		if err := f.Add(clone); err != nil {
			return clones, err
		}
		clones = append(clones, clone)
	}
	return clones, nil
}
