package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-sort/internal/common"
)

func TestJobStoreStageCompletion(t *testing.T) {
	store := NewJobStore()
	job := &common.JobRequest{JobID: "job-1"}
	store.SaveJob(job, &common.JobStatus{JobID: "job-1", State: common.JobStateInitializing})
	require.Same(t, job, store.GetJob("job-1"))

	require.False(t, store.CheckStageComplete("job-1", common.StageSort, 3))
	require.True(t, store.CheckStageComplete("job-1", common.StageSort, 0))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.SaveTaskReport("job-1", common.StageSort, common.TaskReport{
				TaskID: fmt.Sprintf("job-1-sort-%d", i),
				Status: common.TaskStatusSuccess,
			})
		}(i)
	}
	wg.Wait()
	store.SaveTaskReport("job-1", common.StageSort, common.TaskReport{TaskID: "job-1-sort-9", Status: common.TaskStatusFailure})

	require.True(t, store.CheckStageComplete("job-1", common.StageSort, 3))
	require.Len(t, store.GetStageResults("job-1", common.StageSort), 3)
	rep, ok := store.GetTaskReport("job-1-sort-9")
	require.True(t, ok)
	require.Equal(t, common.TaskStatusFailure, rep.Status)

	store.ResetStages("job-1")
	require.False(t, store.CheckStageComplete("job-1", common.StageSort, 3))
}

func TestJobStoreStatusIsCopied(t *testing.T) {
	store := NewJobStore()
	store.SaveJob(&common.JobRequest{JobID: "b"}, &common.JobStatus{JobID: "b", StartedAt: time.Unix(20, 0)})
	store.SaveJob(&common.JobRequest{JobID: "a"}, &common.JobStatus{JobID: "a", StartedAt: time.Unix(10, 0)})

	st := store.UpdateStatus("a", func(st *common.JobStatus) {
		st.State = common.JobStateMerging
		st.Partitions = append(st.Partitions, common.PartitionResult{Records: 3})
	})
	st.Partitions[0].Records = 100

	got, ok := store.GetStatus("a")
	require.True(t, ok)
	require.Equal(t, common.JobStateMerging, got.State)
	require.EqualValues(t, 3, got.Partitions[0].Records)

	_, ok = store.GetStatus("missing")
	require.False(t, ok)

	jobs := store.ListJobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].JobID)
	require.Equal(t, "b", jobs[1].JobID)
}
