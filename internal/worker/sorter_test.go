package worker

import (
	"context"
	"slices"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mini-sort/internal/common"
	"mini-sort/internal/partition"
	"mini-sort/internal/storage"
)

func newStore(t *testing.T) *storage.RunStore {
	t.Helper()
	s, err := storage.NewRunStore(afero.NewMemMapFs(), "/work", common.CodecSnappy, 0)
	require.NoError(t, err)
	return s
}

func readRun(t *testing.T, s *storage.RunStore, run common.Run) []int64 {
	t.Helper()
	rr, err := s.OpenRun(run)
	require.NoError(t, err)
	defer rr.Close()
	var keys []int64
	for {
		k, err := rr.Next()
		if err != nil {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

func TestSortKeys(t *testing.T) {
	keys := []int64{5, -1, 3, 3, 0, 9, -7}
	SortKeys(keys, common.Ascending)
	require.Equal(t, []int64{-7, -1, 0, 3, 3, 5, 9}, keys)
	SortKeys(keys, common.Descending)
	require.Equal(t, []int64{9, 5, 3, 3, 0, -1, -7}, keys)
}

func TestRunBuilderSpillLogic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	var sent []common.Run
	// three records per run
	rb := NewRunBuilder(RunBuilderConfig{
		JobID:        "job",
		ProducerID:   "job-sort-0",
		MemoryBudget: 3 * common.RecordSize,
		Store:        store,
		Send: func(ctx context.Context, run common.Run) error {
			sent = append(sent, run)
			return nil
		},
	})

	t.Run("Accept_NoSpill", func(t *testing.T) {
		require.NoError(t, rb.Accept(ctx, 9))
		require.NoError(t, rb.Accept(ctx, 1))
		require.Empty(t, sent)
		require.Equal(t, 2, rb.Buffered())
	})

	t.Run("Accept_WithSpill", func(t *testing.T) {
		require.NoError(t, rb.Accept(ctx, 5))
		require.Len(t, sent, 1)
		require.Zero(t, rb.Buffered())
		require.True(t, sent[0].Sealed)
		require.Equal(t, []int64{1, 5, 9}, readRun(t, store, sent[0]))
	})

	t.Run("Flush_Remainder", func(t *testing.T) {
		require.NoError(t, rb.Accept(ctx, 4))
		runs, err := rb.Flush(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		require.Equal(t, sent, runs)
		require.Equal(t, []int64{4}, readRun(t, store, runs[1]))
		require.NotEqual(t, runs[0].ID, runs[1].ID)
		require.EqualValues(t, 2, rb.Counters().RunsProduced)
		require.EqualValues(t, runs[0].Size+runs[1].Size, rb.Counters().BytesSpilled)
	})

	t.Run("Flush_Empty", func(t *testing.T) {
		runs, err := rb.Flush(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)
	})
}

func TestRunBuilderSplitsAtBoundaries(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	part, err := partition.New([]int64{0, 100}, common.Descending)
	require.NoError(t, err)
	rb := NewRunBuilder(RunBuilderConfig{
		JobID:        "job",
		ProducerID:   "p",
		MemoryBudget: 1 << 20,
		Order:        common.Descending,
		Partitioner:  part,
		Store:        store,
	})
	input := []int64{150, -5, 0, 99, 100, -5, 7}
	for _, k := range input {
		require.NoError(t, rb.Accept(ctx, k))
	}
	runs, err := rb.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	var all []int64
	for _, run := range runs {
		keys := readRun(t, store, run)
		r := part.Range(run.Partition)
		for i, k := range keys {
			require.True(t, r.Contains(k), "key %d outside %s", k, r)
			if i > 0 {
				require.GreaterOrEqual(t, keys[i-1], k)
			}
		}
		require.EqualValues(t, len(keys), run.Count)
		all = append(all, keys...)
	}
	require.Equal(t, []int64{150, 100, 99, 7, 0, -5, -5}, all)
	slices.Sort(all)
	sorted := slices.Clone(input)
	slices.Sort(sorted)
	require.Equal(t, sorted, all)
}

func TestRunBuilderTinyBudget(t *testing.T) {
	rb := NewRunBuilder(RunBuilderConfig{ProducerID: "p", MemoryBudget: 1, Store: newStore(t)})
	require.NoError(t, rb.Accept(context.Background(), 1))
	require.NoError(t, rb.Accept(context.Background(), 2))
	runs, err := rb.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
