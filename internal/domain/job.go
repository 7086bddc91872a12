package domain

import "time"

// JobStatus is the lifecycle state of one scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobReady     JobStatus = "ready"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailure   JobStatus = "failure"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailure, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// Job is the unit of scheduling. The ID embeds the run ID so matrix
// siblings across runs never collide.
type Job struct {
	ID            string
	PipelineRunID string
	Name          string
	RunnerImage   string
	DependsOn     []string
	Status        JobStatus
	Reason        string
	Outputs       map[string]string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// JobID builds the stored identifier for an expanded job instance.
func JobID(runID, instanceID string) string {
	return runID + "/" + instanceID
}
