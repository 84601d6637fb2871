package storage

import (
	"sort"
	"strings"
	"sync"

	"mini-sort/internal/common"
)

// JobStore keeps the status and task reports of the jobs run by this process.
type JobStore struct {
	mu           sync.RWMutex
	jobs         map[string]*common.JobStatus
	requests     map[string]*common.JobRequest
	taskReports  map[string]common.TaskReport   // TaskID -> report
	stageReports map[string][]common.TaskReport // jobID/stageID -> successful reports
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:         make(map[string]*common.JobStatus),
		requests:     make(map[string]*common.JobRequest),
		taskReports:  make(map[string]common.TaskReport),
		stageReports: make(map[string][]common.TaskReport),
	}
}

func stageKey(jobID, stageID string) string {
	return jobID + "/" + stageID
}

// SaveJob registers a job and its initial status.
func (s *JobStore) SaveJob(job *common.JobRequest, status *common.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[job.JobID] = job
	s.jobs[job.JobID] = status.Clone()
}

// GetJob returns the request of a job, or nil.
func (s *JobStore) GetJob(jobID string) *common.JobRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[jobID]
}

// GetStatus returns a copy of the job status.
func (s *JobStore) GetStatus(jobID string) (*common.JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// UpdateStatus applies fn to the stored status under the lock and returns a copy of the result.
func (s *JobStore) UpdateStatus(jobID string, fn func(st *common.JobStatus)) *common.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		st = &common.JobStatus{JobID: jobID}
		s.jobs[jobID] = st
	}
	fn(st)
	return st.Clone()
}

// ListJobs returns a copy of every status ordered by start time.
func (s *JobStore) ListJobs() []*common.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// SaveTaskReport records a finished task. Only successful reports count towards stage completion.
func (s *JobStore) SaveTaskReport(jobID, stageID string, report common.TaskReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskReports[report.TaskID] = report
	if report.Status == common.TaskStatusSuccess {
		key := stageKey(jobID, stageID)
		s.stageReports[key] = append(s.stageReports[key], report)
	}
}

// GetTaskReport returns the last report of a task.
func (s *JobStore) GetTaskReport(taskID string) (common.TaskReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.taskReports[taskID]
	return r, ok
}

// CheckStageComplete reports whether expectedTasks tasks of the stage succeeded.
func (s *JobStore) CheckStageComplete(jobID, stageID string, expectedTasks int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports, exists := s.stageReports[stageKey(jobID, stageID)]
	if !exists {
		return expectedTasks == 0
	}
	return len(reports) == expectedTasks
}

// GetStageResults returns the successful reports of a stage.
func (s *JobStore) GetStageResults(jobID, stageID string) []common.TaskReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.TaskReport(nil), s.stageReports[stageKey(jobID, stageID)]...)
}

// ResetStages drops the stage reports of a job before a new attempt.
func (s *JobStore) ResetStages(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := jobID + "/"
	for key := range s.stageReports {
		if strings.HasPrefix(key, prefix) {
			delete(s.stageReports, key)
		}
	}
}
