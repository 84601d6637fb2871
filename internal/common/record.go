package common

import "fmt"

// Origin locates a record in its input for diagnostics.
type Origin struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

func (o Origin) String() string {
	return fmt.Sprintf("%s:%d", o.Path, o.Offset)
}

// Record is one parsed input value.
type Record struct {
	Key    int64  `json:"key"`
	Origin Origin `json:"origin"`
}
