package merge

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"slices"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sliceCursor counts how many keys were pulled from it.
type sliceCursor struct {
	keys   []int64
	pulled *int
}

func (c *sliceCursor) Next() (int64, error) {
	if len(c.keys) == 0 {
		return 0, io.EOF
	}
	k := c.keys[0]
	c.keys = c.keys[1:]
	*c.pulled++
	return k, nil
}

func TestMergeOrderAndMultiplicity(t *testing.T) {
	for _, order := range []common.Order{common.Ascending, common.Descending} {
		t.Run(order.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(3, 4))
			var all []int64
			var cursors []Cursor
			pulled := 0
			for i := 0; i < 7; i++ {
				run := make([]int64, rng.IntN(200))
				for j := range run {
					run[j] = rng.Int64N(50) - 25 // plenty of ties
				}
				slices.SortFunc(run, func(a, b int64) int {
					if order.Less(a, b) {
						return -1
					}
					if order.Less(b, a) {
						return 1
					}
					return 0
				})
				all = append(all, run...)
				cursors = append(cursors, &sliceCursor{keys: run, pulled: &pulled})
			}
			cursors = append(cursors, &sliceCursor{pulled: &pulled}) // empty run

			var out []int64
			n, err := Merge(context.Background(), cursors, order, func(k int64) error {
				out = append(out, k)
				// never more than one buffered key per cursor
				require.LessOrEqual(t, pulled, len(out)+len(cursors))
				return nil
			})
			require.NoError(t, err)
			require.EqualValues(t, len(all), n)
			for i := 1; i < len(out); i++ {
				require.True(t, order.InOrder(out[i-1], out[i]), "position %d", i)
			}
			slices.Sort(all)
			sorted := slices.Clone(out)
			slices.Sort(sorted)
			require.Equal(t, all, sorted)
		})
	}
}

func TestMergeRejectsUnsortedCursor(t *testing.T) {
	pulled := 0
	_, err := Merge(context.Background(), []Cursor{&sliceCursor{keys: []int64{3, 1}, pulled: &pulled}}, common.Ascending,
		func(int64) error { return nil })
	require.ErrorContains(t, err, "out of order")
}

func TestMergeHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pulled := 0
	n, err := Merge(ctx, []Cursor{&sliceCursor{keys: []int64{1, 2}, pulled: &pulled}}, common.Ascending,
		func(int64) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)
}

func TestMergeRuns(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewRunStore(afero.NewMemMapFs(), "/work", common.CodecSnappy, 0)
	require.NoError(t, err)

	inputs := [][]int64{{-3, 0, 0, 9}, {-100, 5}, {7}}
	var runs []common.Run
	for i, keys := range inputs {
		run, err := store.WriteRun(ctx, common.Run{ID: "r" + strconv.Itoa(i)}, keys)
		require.NoError(t, err)
		runs = append(runs, run)
	}

	var buf bytes.Buffer
	n, err := MergeRuns(ctx, store, runs, common.Ascending, &buf)
	require.NoError(t, err)
	require.EqualValues(t, 7, n)
	require.Equal(t, "-100\n-3\n0\n0\n5\n7\n9\n", buf.String())

	buf.Reset()
	n, err = MergeRuns(ctx, store, nil, common.Ascending, &buf)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, buf.String())
}

func TestMergeRunsRefusesUnsealed(t *testing.T) {
	store, err := storage.NewRunStore(afero.NewMemMapFs(), "/work", common.CodecNone, 0)
	require.NoError(t, err)
	_, err = MergeRuns(context.Background(), store, []common.Run{{ID: "x", Path: "/work/x.run"}}, common.Ascending, io.Discard)
	require.True(t, errno.ErrRunNotSealed.Equal(err), "%v", err)
}
