package shuffle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *recordingRemover) Remove(run common.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, run.ID)
	return r.err
}

func sealed(producer string, partition, seq int) common.Run {
	return common.Run{
		ID:         fmt.Sprintf("%s-r%d", producer, seq),
		ProducerID: producer,
		Partition:  partition,
		Count:      1,
		Sealed:     true,
	}
}

func runIDs(runs []common.Run) []string {
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestAwaitBlocksUntilProducersComplete(t *testing.T) {
	ctx := context.Background()
	ex := NewExchange("job", 2, nil)
	require.NoError(t, ex.Register("a"))
	require.NoError(t, ex.Register("b"))
	ex.Seal()

	type result struct {
		runs []common.Run
		err  error
	}
	done := make(chan result, 1)
	go func() {
		runs, err := ex.Await(ctx, 1)
		done <- result{runs, err}
	}()

	a := []common.Run{sealed("a", 0, 0), sealed("a", 1, 1)}
	for _, r := range a {
		require.NoError(t, ex.Send(ctx, r))
	}
	require.NoError(t, ex.CompleteProducer("a", ManifestOf(a)))

	select {
	case <-done:
		t.Fatal("partition must wait for producer b")
	case <-time.After(50 * time.Millisecond):
	}

	b := []common.Run{sealed("b", 1, 0)}
	require.NoError(t, ex.Send(ctx, b[0]))
	require.NoError(t, ex.CompleteProducer("b", ManifestOf(b)))

	res := <-done
	require.NoError(t, res.err)
	require.ElementsMatch(t, []string{"a-r1", "b-r0"}, runIDs(res.runs))

	runs, err := ex.Await(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a-r0"}, runIDs(runs))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ex := NewExchange("job", 1, nil)
	require.NoError(t, ex.Register("a"))
	ex.Seal()
	run := sealed("a", 0, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, ex.Send(ctx, run))
	}
	require.NoError(t, ex.CompleteProducer("a", ManifestOf([]common.Run{run})))

	runs, err := ex.Await(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 2, ex.Duplicates())
}

func TestMissingRunIsReported(t *testing.T) {
	ctx := context.Background()
	ex := NewExchange("job", 2, nil)
	require.NoError(t, ex.Register("a"))
	ex.Seal()
	delivered := sealed("a", 0, 0)
	lost := sealed("a", 1, 1)
	require.NoError(t, ex.Send(ctx, delivered))
	require.NoError(t, ex.CompleteProducer("a", ManifestOf([]common.Run{delivered, lost})))

	_, err := ex.Await(ctx, 1)
	require.True(t, errno.ErrMissingRun.Equal(err), "%v", err)
	require.True(t, errno.IsRetryable(err))
	require.Contains(t, err.Error(), "partition 1 is missing 1 run(s)")

	runs, err := ex.Await(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestFailedProducerRunsAreDiscarded(t *testing.T) {
	ctx := context.Background()
	remover := &recordingRemover{}
	ex := NewExchange("job", 2, remover)
	require.NoError(t, ex.Register("good"))
	require.NoError(t, ex.Register("bad"))
	ex.Seal()

	good := []common.Run{sealed("good", 0, 0)}
	require.NoError(t, ex.Send(ctx, good[0]))
	require.NoError(t, ex.CompleteProducer("good", ManifestOf(good)))

	require.NoError(t, ex.Send(ctx, sealed("bad", 0, 0)))
	require.NoError(t, ex.Send(ctx, sealed("bad", 1, 1)))
	require.NoError(t, ex.FailProducer(ctx, "bad", errors.New("disk gone")))
	// late delivery from the failed producer is dropped too
	require.NoError(t, ex.Send(ctx, sealed("bad", 1, 2)))

	require.ElementsMatch(t, []string{"bad-r0", "bad-r1", "bad-r2"}, remover.removed)
	for p, runs := range ex.Runs() {
		for _, r := range runs {
			require.NotEqual(t, "bad", r.ProducerID, "partition %d", p)
		}
	}
	for p := 0; p < 2; p++ {
		_, err := ex.Await(ctx, p)
		require.True(t, errno.ErrMissingRun.Equal(err), "partition %d: %v", p, err)
	}
	require.Error(t, ex.CompleteProducer("bad", nil))
}

func TestLateRunRemovalFailureIsReported(t *testing.T) {
	ctx := context.Background()
	remover := &recordingRemover{}
	ex := NewExchange("job", 1, remover)
	require.NoError(t, ex.Register("bad"))
	ex.Seal()
	require.NoError(t, ex.FailProducer(ctx, "bad", errors.New("disk gone")))

	remover.err = errors.New("permission denied")
	err := ex.Send(ctx, sealed("bad", 0, 0))
	require.ErrorContains(t, err, "permission denied")
	require.Equal(t, []string{"bad-r0"}, remover.removed)
	require.Empty(t, ex.Runs()[0])
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	ex := NewExchange("job", 2, nil)
	require.NoError(t, ex.Register("a"))

	unsealed := sealed("a", 0, 0)
	unsealed.Sealed = false
	require.True(t, errno.ErrRunNotSealed.Equal(ex.Send(ctx, unsealed)))
	require.Error(t, ex.Send(ctx, sealed("a", 2, 0)))
	require.Error(t, ex.Send(ctx, sealed("stranger", 0, 0)))
	require.Error(t, ex.CompleteProducer("a", Manifest{5: {"x"}}))

	ex.Seal()
	require.Error(t, ex.Register("late"))
}

func TestAwaitHonoursCancel(t *testing.T) {
	ex := NewExchange("job", 1, nil)
	require.NoError(t, ex.Register("a"))
	ex.Seal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ex.Await(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmptyPartitionIsReady(t *testing.T) {
	ctx := context.Background()
	ex := NewExchange("job", 3, nil)
	require.NoError(t, ex.Register("a"))
	ex.Seal()
	require.NoError(t, ex.CompleteProducer("a", Manifest{}))
	runs, err := ex.Await(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, runs)
}
