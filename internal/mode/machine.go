// Package mode owns the operating-mode table and the transition
// function over it. A mode bundles the trigger tokens that activate
// it, the persona new conversations start with, and the recognizer and
// tool tags adapters use to decide what to keep live. The table is
// immutable once built; a config reload builds a fresh table and swaps
// it whole, so readers never observe a half-updated one.
package mode

import (
	"fmt"
	"regexp"
)

// ToggleToken cycles through the configured toggle order instead of
// naming a mode directly.
const ToggleToken = "toggle"

// Mode is one named operating configuration, declared in the config
// file. Declaration order matters: the first mode that declares a
// trigger token owns it.
type Mode struct {
	Name        string   `yaml:"name"`
	Triggers    []string `yaml:"triggers"`
	Persona     string   `yaml:"persona"`
	Tools       []string `yaml:"tools"`
	Recognizers []string `yaml:"recognizers"`
}

// HasTrigger reports whether the mode itself declares the token.
func (m *Mode) HasTrigger(token string) bool {
	for _, t := range m.Triggers {
		if t == token {
			return true
		}
	}
	return false
}

// Table is the immutable transition index built from the declared
// modes. Lookup order decides everything: the active mode's own
// triggers win, then the first declaring mode in file order.
type Table struct {
	modes   []*Mode
	byName  map[string]*Mode
	byToken map[string]*Mode // first declaring mode per token
	def     *Mode
	toggle  []*Mode
}

var tokenRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// NewTable validates the declared modes and builds the index. Duplicate
// trigger declarations across modes are legal and resolve to the first
// declaring mode; the shadowed ones are reported so the caller can log
// them.
func NewTable(modes []Mode, defaultMode string, toggleOrder []string) (*Table, []string, error) {
	if len(modes) == 0 {
		return nil, nil, fmt.Errorf("no modes declared")
	}

	t := &Table{
		byName:  make(map[string]*Mode, len(modes)),
		byToken: make(map[string]*Mode),
	}

	var shadowed []string
	for i := range modes {
		m := &modes[i]
		if !tokenRe.MatchString(m.Name) {
			return nil, nil, fmt.Errorf("invalid mode name %q", m.Name)
		}
		if _, dup := t.byName[m.Name]; dup {
			return nil, nil, fmt.Errorf("mode %q declared twice", m.Name)
		}
		t.byName[m.Name] = m
		t.modes = append(t.modes, m)

		seen := make(map[string]bool, len(m.Triggers))
		for _, tok := range m.Triggers {
			if !tokenRe.MatchString(tok) {
				return nil, nil, fmt.Errorf("mode %q: invalid trigger %q", m.Name, tok)
			}
			if seen[tok] {
				return nil, nil, fmt.Errorf("mode %q: trigger %q repeated", m.Name, tok)
			}
			seen[tok] = true

			if owner, taken := t.byToken[tok]; taken {
				shadowed = append(shadowed,
					fmt.Sprintf("trigger %q in mode %q shadowed by mode %q", tok, m.Name, owner.Name))
				continue
			}
			t.byToken[tok] = m
		}
	}

	def, ok := t.byName[defaultMode]
	if !ok {
		return nil, nil, fmt.Errorf("default mode %q not declared", defaultMode)
	}
	t.def = def

	for _, name := range toggleOrder {
		m, ok := t.byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("toggle order names unknown mode %q", name)
		}
		t.toggle = append(t.toggle, m)
	}

	return t, shadowed, nil
}

// Default is the mode the machine starts in.
func (t *Table) Default() *Mode {
	return t.def
}

// Lookup returns the named mode, if declared.
func (t *Table) Lookup(name string) (*Mode, bool) {
	m, ok := t.byName[name]
	return m, ok
}

// Modes returns the modes in declaration order.
func (t *Table) Modes() []*Mode {
	return t.modes
}

// Transition resolves a trigger token against the current mode. Pure:
// no state is touched, callers own the resulting mode value.
//
// Resolution order: the toggle token cycles through the toggle order;
// then the current mode's own trigger set; then every mode in
// declaration order, first declaring mode wins. An unknown token is
// not an error — the mode is simply unchanged and accepted is false.
func (t *Table) Transition(current *Mode, token string) (*Mode, bool) {
	if current == nil {
		current = t.def
	}

	if token == ToggleToken && len(t.toggle) > 0 {
		return t.nextInCycle(current), true
	}

	if current.HasTrigger(token) {
		return current, true
	}

	if m, ok := t.byToken[token]; ok {
		return m, true
	}

	return current, false
}

// nextInCycle steps the toggle ring. A current mode outside the ring
// enters it at the first position.
func (t *Table) nextInCycle(current *Mode) *Mode {
	for i, m := range t.toggle {
		if m.Name == current.Name {
			return t.toggle[(i+1)%len(t.toggle)]
		}
	}
	return t.toggle[0]
}
