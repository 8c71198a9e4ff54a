// Package stageid implements the ordered stage identifier used as the
// position of a stage in a pipeline and as its checkpoint key.
//
// An identifier is either an integer ("8") or an insertion between two
// integers ("8.5"). Insertions are modelled as the integer part plus a
// sub-order tag rather than a float, so ordering stays exact no matter how
// many stages are inserted.
package stageid

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a stage position. Minor is zero for integer stages. For insertions,
// Minor holds the digits after the dot and Scale their count, so "8.5" and
// "8.50" compare equal while "8.25" sorts before "8.5".
type ID struct {
	Major int
	Minor int
	Scale int
}

// Int returns the integer identifier n.
func Int(n int) ID {
	return ID{Major: n}
}

// Parse parses "8", "8.5" or the file-key form "8_5".
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("empty stage id")
	}
	s = strings.Replace(s, "_", ".", 1)

	whole, frac, hasFrac := strings.Cut(s, ".")
	major, err := parseDigits(whole)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stage id %q: %w", s, err)
	}
	if !hasFrac {
		return ID{Major: major}, nil
	}

	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return ID{Major: major}, nil
	}
	minor, err := parseDigits(frac)
	if err != nil {
		return ID{}, fmt.Errorf("invalid stage id %q: %w", s, err)
	}
	return ID{Major: major, Minor: minor, Scale: len(frac)}, nil
}

// MustParse is Parse for constant identifiers in stage tables.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func parseDigits(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing digits")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("unexpected character %q", r)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// IsInteger reports whether id is a whole-number stage.
func (id ID) IsInteger() bool {
	return id.Minor == 0
}

// String returns the canonical form: "8" or "8.5".
func (id ID) String() string {
	if id.IsInteger() {
		return strconv.Itoa(id.Major)
	}
	return fmt.Sprintf("%d.%0*d", id.Major, id.Scale, id.Minor)
}

// Key returns a form safe to embed in file names and storage keys.
func (id ID) Key() string {
	return strings.Replace(id.String(), ".", "_", 1)
}

// Compare returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	switch {
	case id.Major < other.Major:
		return -1
	case id.Major > other.Major:
		return 1
	}
	a, b := id.Minor, other.Minor
	// Bring both fractions to the same number of digits before comparing.
	for s := id.Scale; s < other.Scale; s++ {
		a *= 10
	}
	for s := other.Scale; s < id.Scale; s++ {
		b *= 10
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
