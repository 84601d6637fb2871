package common

import (
	"fmt"
	"math"
)

// Partition is a contiguous key range [Low, High) owned by one merge.
// Unbounded ends stand for -inf / +inf.
type Partition struct {
	ID            int   `json:"id"`
	Low           int64 `json:"low"`
	High          int64 `json:"high"`
	LowUnbounded  bool  `json:"low_unbounded"`
	HighUnbounded bool  `json:"high_unbounded"`
}

// Contains reports whether key falls inside the partition range.
func (p Partition) Contains(key int64) bool {
	if !p.LowUnbounded && key < p.Low {
		return false
	}
	if !p.HighUnbounded && key >= p.High {
		return false
	}
	return true
}

func (p Partition) String() string {
	low, high := "-inf", "+inf"
	if !p.LowUnbounded {
		low = fmt.Sprint(p.Low)
	}
	if !p.HighUnbounded {
		high = fmt.Sprint(p.High)
	}
	return fmt.Sprintf("p%d[%s, %s)", p.ID, low, high)
}

// FullRange is the single partition of a one-partition job.
func FullRange() Partition {
	return Partition{ID: 0, Low: math.MinInt64, High: math.MaxInt64, LowUnbounded: true, HighUnbounded: true}
}
