// Package merge combines sorted runs into one ordered stream.
package merge

import (
	"container/heap"
	"context"
	"io"

	"github.com/pingcap/errors"

	"mini-sort/internal/common"
)

// Cursor yields the keys of one sorted sequence. Next returns io.EOF at the end.
type Cursor interface {
	Next() (int64, error)
}

type heapElem struct {
	key       int64
	cursorIdx int
}

type mergeHeap struct {
	elems []heapElem
	order common.Order
}

func (h *mergeHeap) Len() int {
	return len(h.elems)
}

func (h *mergeHeap) Less(i, j int) bool {
	return h.order.Less(h.elems[i].key, h.elems[j].key)
}

func (h *mergeHeap) Swap(i, j int) {
	h.elems[i], h.elems[j] = h.elems[j], h.elems[i]
}

func (h *mergeHeap) Push(x any) {
	h.elems = append(h.elems, x.(heapElem))
}

func (h *mergeHeap) Pop() any {
	old := h.elems
	n := len(old)
	x := old[n-1]
	h.elems = old[:n-1]
	return x
}

// checkInterval is how many records are emitted between context checks.
const checkInterval = 4096

// Merge performs a k-way merge of cursors, each sorted in order, and calls
// emit for every key. It holds at most one key per cursor. It returns the
// number of keys emitted.
func Merge(ctx context.Context, cursors []Cursor, order common.Order, emit func(key int64) error) (int64, error) {
	h := &mergeHeap{elems: make([]heapElem, 0, len(cursors)), order: order}
	last := make([]int64, len(cursors))
	for i, c := range cursors {
		k, err := c.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		last[i] = k
		h.elems = append(h.elems, heapElem{key: k, cursorIdx: i})
	}
	heap.Init(h)

	var emitted int64
	for h.Len() > 0 {
		if emitted%checkInterval == 0 && ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		top := h.elems[0]
		if err := emit(top.key); err != nil {
			return emitted, err
		}
		emitted++

		k, err := cursors[top.cursorIdx].Next()
		switch {
		case err == io.EOF:
			heap.Pop(h)
		case err != nil:
			return emitted, errors.Trace(err)
		default:
			if order.Less(k, last[top.cursorIdx]) {
				return emitted, errors.Errorf("cursor %d is out of order: %d after %d", top.cursorIdx, k, last[top.cursorIdx])
			}
			last[top.cursorIdx] = k
			h.elems[0].key = k
			heap.Fix(h, 0)
		}
	}
	return emitted, nil
}
