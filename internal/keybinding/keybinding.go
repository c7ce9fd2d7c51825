// Package keybinding implements the `Modifier+Modifier+Key` binding
// format and a registry mapping combinations to the set of commands
// bound to them.
package keybinding

import (
	"fmt"
	"sort"
	"strings"
)

// Modifier is one of the recognized modifier tokens.
type Modifier int

const (
	Shift Modifier = iota
	Alt
	Ctrl
)

func (m Modifier) String() string {
	switch m {
	case Shift:
		return "Shift"
	case Alt:
		return "Alt"
	case Ctrl:
		return "Ctrl"
	default:
		return "Unknown"
	}
}

// modifierAliases maps every case-insensitive spelling accepted on
// parse to its canonical Modifier; Option and Control are accepted
// spellings of Alt and Ctrl respectively.
var modifierAliases = map[string]Modifier{
	"shift":   Shift,
	"alt":     Alt,
	"option":  Alt,
	"ctrl":    Ctrl,
	"control": Ctrl,
}

// Key is a recognized key token: a single character or one of the
// named special keys.
type Key struct {
	// Char holds the literal for single-character keys; Name holds the
	// canonical spelling for named keys. Exactly one is non-empty.
	Char string
	Name string
}

func (k Key) String() string {
	if k.Char != "" {
		return k.Char
	}
	return k.Name
}

// namedKeys is the canonical spelling for every non-character key
// token, keyed by lowercase for case-insensitive lookup.
var namedKeys = buildNamedKeys()

func buildNamedKeys() map[string]string {
	names := []string{
		"F1", "F2", "F3", "F4", "F5", "F6", "F7", "F8", "F9", "F10", "F11", "F12",
		"Up", "Down", "Left", "Right",
		"Home", "End", "PageUp", "PageDown",
		"Tab", "BackTab", "Enter", "Esc", "Insert", "Delete", "Null", "Backspace",
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}

// KeyCombination is a parsed `Modifier+Modifier+Key` binding. Modifiers
// are stored in canonical order (Ctrl, Alt, Shift) so two combinations
// parsed from differently-ordered input compare equal and round-trip
// through the same display string.
type KeyCombination struct {
	Modifiers []Modifier
	Key       Key
}

func canonicalOrder(mods []Modifier) []Modifier {
	order := map[Modifier]int{Ctrl: 0, Alt: 1, Shift: 2}
	sorted := append([]Modifier(nil), mods...)
	sort.Slice(sorted, func(i, j int) bool { return order[sorted[i]] < order[sorted[j]] })
	return sorted
}

// Equal compares two combinations on their modifier set and key,
// independent of input ordering.
func (kc KeyCombination) Equal(other KeyCombination) bool {
	a, b := canonicalOrder(kc.Modifiers), canonicalOrder(other.Modifiers)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return kc.Key == other.Key
}

// Display renders kc as its canonical `Modifier+Modifier+Key` string.
func Display(kc KeyCombination) string {
	parts := make([]string, 0, len(kc.Modifiers)+1)
	for _, m := range canonicalOrder(kc.Modifiers) {
		parts = append(parts, m.String())
	}
	parts = append(parts, kc.Key.String())
	return strings.Join(parts, "+")
}

// ErrInvalidCombination is returned when a string doesn't parse as a
// key combination.
type ErrInvalidCombination struct{ Input string }

func (e *ErrInvalidCombination) Error() string {
	return fmt.Sprintf("keybinding: invalid combination %q", e.Input)
}

// FromStr parses a `Modifier+Modifier+Key` string, case-insensitively.
// The last segment must be a recognized key token; every preceding
// segment must be a recognized modifier token.
func FromStr(s string) (KeyCombination, error) {
	segments := strings.Split(s, "+")
	if len(segments) == 0 {
		return KeyCombination{}, &ErrInvalidCombination{Input: s}
	}

	keyToken := segments[len(segments)-1]
	key, ok := parseKey(keyToken)
	if !ok {
		return KeyCombination{}, &ErrInvalidCombination{Input: s}
	}

	var mods []Modifier
	for _, seg := range segments[:len(segments)-1] {
		mod, ok := modifierAliases[strings.ToLower(seg)]
		if !ok {
			return KeyCombination{}, &ErrInvalidCombination{Input: s}
		}
		mods = append(mods, mod)
	}

	return KeyCombination{Modifiers: canonicalOrder(mods), Key: key}, nil
}

func parseKey(token string) (Key, bool) {
	if name, ok := namedKeys[strings.ToLower(token)]; ok {
		return Key{Name: name}, true
	}
	// A single printable character, preserved in the input's own case
	// so F vs f remain distinct keys a caller can bind separately; the
	// combination's round trip only requires consistency between
	// Display and FromStr, not case folding.
	if len([]rune(token)) == 1 {
		return Key{Char: token}, true
	}
	return Key{}, false
}

// Registry maps key combinations to the set of command names bound to
// them. Duplicate bindings of the same combination to multiple
// commands are permitted; Lookup returns every bound command.
type Registry struct {
	bindings map[string][]string // keyed by Display(kc)
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: map[string][]string{}}
}

// Bind adds command to the set bound to kc.
func (r *Registry) Bind(kc KeyCombination, command string) {
	key := Display(kc)
	r.bindings[key] = append(r.bindings[key], command)
}

// Lookup returns every command bound to kc, in bind order.
func (r *Registry) Lookup(kc KeyCombination) []string {
	return r.bindings[Display(kc)]
}
