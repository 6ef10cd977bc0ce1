package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Set is a fixed-size flag set over the closed vocabulary of grantable
// data categories. The zero value grants nothing.
type Set uint8

const (
	ViewHistory Set = 1 << iota
	ViewVitals
	ViewMedications
	ViewAllergies
	ViewImmunizations
	ViewLabResults
)

// All is the union of every defined capability.
const All = ViewHistory | ViewVitals | ViewMedications | ViewAllergies | ViewImmunizations | ViewLabResults

var ErrUnknownPermission = errors.New("permission: unknown permission")

var names = map[Set]string{
	ViewHistory:       "view_history",
	ViewVitals:        "view_vitals",
	ViewMedications:   "view_medications",
	ViewAllergies:     "view_allergies",
	ViewImmunizations: "view_immunizations",
	ViewLabResults:    "view_lab_results",
}

var byName = func() map[string]Set {
	m := make(map[string]Set, len(names))
	for flag, name := range names {
		m[name] = flag
	}
	return m
}()

// Parse builds a Set from canonical permission names. Unknown names
// are rejected so callers cannot smuggle capabilities past the
// boundary.
func Parse(keys []string) (Set, error) {
	var s Set
	for _, key := range keys {
		key = strings.TrimSpace(strings.ToLower(key))
		if key == "" {
			continue
		}
		flag, ok := byName[key]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, key)
		}
		s |= flag
	}
	return s, nil
}

// Valid reports whether the set is non-empty and contains only
// defined capabilities.
func (s Set) Valid() bool {
	return s != 0 && s&^All == 0
}

// Has reports whether every capability in p is granted by s.
func (s Set) Has(p Set) bool {
	return s&p == p
}

// Names returns the canonical names of granted capabilities in
// deterministic order.
func (s Set) Names() []string {
	var out []string
	for flag, name := range names {
		if s&flag != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as a sorted list of names.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a list of names, rejecting unknown ones.
func (s *Set) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	parsed, err := Parse(keys)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
