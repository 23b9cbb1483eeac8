// Package constructor launches helper popups that build a value for a form
// field and hand it back to the parent form.
package constructor

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rdrf/rdrf/internal/platform/form"
)

var ErrNoCallback = errors.New("popup has no parent-form callback")

// Features are the window features a constructor popup opens with.
type Features struct {
	Width, Height int
	Top, Left     int
	Scrollbars    bool
	Location      bool
	Resizable     bool
}

// DefaultFeatures is the fixed popup geometry.
var DefaultFeatures = Features{Width: 800, Height: 600, Top: 100, Left: 100, Scrollbars: true}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// String renders the features in window.open order.
func (f Features) String() string {
	return strings.Join([]string{
		"location=" + yesNo(f.Location),
		fmt.Sprintf("width=%d", f.Width),
		fmt.Sprintf("height=%d", f.Height),
		"scrollbars=" + yesNo(f.Scrollbars),
		fmt.Sprintf("top=%d", f.Top),
		fmt.Sprintf("left=%d", f.Left),
		"resizable=" + yesNo(f.Resizable),
	}, ",")
}

// UpdateFunc receives the value a popup constructed.
type UpdateFunc func(value string)

// Window is an opened popup that can call back into its parent form.
type Window interface {
	SetUpdateParentForm(fn UpdateFunc)
}

// WindowOpener opens popups.
type WindowOpener interface {
	Open(url, name string, features Features) (Window, error)
}

// Launch opens the constructor page at url for target. When the popup calls
// its UpdateParentForm callback the value is written into target and a user
// keyup is raised, so a calculated-field input recomputes as if typed.
func Launch(opener WindowOpener, target *form.Control, name, url string) (Window, error) {
	w, err := opener.Open(url, "Construct "+name, DefaultFeatures)
	if err != nil {
		return nil, fmt.Errorf("open constructor %s: %w", name, err)
	}
	w.SetUpdateParentForm(func(value string) {
		target.Input(value)
	})
	return w, nil
}

// Popup is an in-process Window.
type Popup struct {
	URL      string
	Name     string
	Features Features

	mu     sync.Mutex
	update UpdateFunc
}

func (p *Popup) SetUpdateParentForm(fn UpdateFunc) {
	p.mu.Lock()
	p.update = fn
	p.mu.Unlock()
}

// UpdateParentForm is what the constructor page calls with its result.
func (p *Popup) UpdateParentForm(value string) error {
	p.mu.Lock()
	fn := p.update
	p.mu.Unlock()
	if fn == nil {
		return ErrNoCallback
	}
	fn(value)
	return nil
}

// Popups opens in-process popups and remembers them by name.
type Popups struct {
	mu     sync.Mutex
	byName map[string]*Popup
}

func NewPopups() *Popups {
	return &Popups{byName: make(map[string]*Popup)}
}

// Open replaces any popup already open under name, as a named browser window
// is reused.
func (ps *Popups) Open(url, name string, features Features) (Window, error) {
	if url == "" {
		return nil, errors.New("url is required")
	}
	p := &Popup{URL: url, Name: name, Features: features}
	ps.mu.Lock()
	ps.byName[name] = p
	ps.mu.Unlock()
	return p, nil
}

// Get returns the popup open under name.
func (ps *Popups) Get(name string) (*Popup, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byName[name]
	return p, ok
}
