package common

import (
	"strings"

	"github.com/pingcap/errors"
)

// Order is the direction keys are sorted in.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// Less reports whether a sorts strictly before b.
func (o Order) Less(a, b int64) bool {
	if o == Descending {
		return a > b
	}
	return a < b
}

// InOrder reports whether a may precede b in the output.
func (o Order) InOrder(a, b int64) bool {
	return !o.Less(b, a)
}

// ParseOrder accepts "asc", "ascending", "desc" and "descending".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	}
	return Ascending, errors.Errorf("unknown sort order %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Order) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Order) UnmarshalText(b []byte) error {
	v, err := ParseOrder(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}
