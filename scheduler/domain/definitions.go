// Package domain provides definitions for grid jobs, their SLAs and the
// states their tasks and bundles go through.
package domain

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// JobSLA holds the scheduling constraints the driver enforces for a job.
type JobSLA struct {
	// Higher runs first.
	Priority int

	// Maximum number of nodes the job may run on at once, 0 for no limit.
	MaxNodes int

	// Suspended jobs keep their in flight dispatches but get no new ones.
	Suspended bool

	// Broadcast jobs run every task on every eligible node.
	Broadcast bool

	// Execution policy document restricting eligible nodes, empty for any node.
	ExecutionPolicy string

	// Number of dispatch timeouts a task tolerates before it is cancelled.
	MaxDispatchExpirations int

	// The job is cancelled once this time is reached. Zero never expires.
	Expiration time.Time
}

// JobClientSLA holds the constraints applied on the client side of a job.
// The driver only exposes it to policies.
type JobClientSLA struct {
	ExecutionPolicy string
	MaxChannels     int
}

// JobMetadata is free form information attached to a job by the client.
type JobMetadata map[string]string

func (m JobMetadata) Copy() JobMetadata {
	if m == nil {
		return nil
	}
	c := make(JobMetadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// JobHeader describes a job independently of its tasks. Each client bundle
// and node bundle carries its own copy.
type JobHeader struct {
	UUID      string
	Name      string
	SLA       JobSLA
	ClientSLA JobClientSLA
	Metadata  JobMetadata

	// Number of tasks carried along with this header.
	TaskCount int

	// Number of tasks the job had when first submitted.
	InitialTaskCount int
}

// Copy returns a header that shares nothing mutable with h.
func (h *JobHeader) Copy() *JobHeader {
	c := *h
	c.Metadata = h.Metadata.Copy()
	return &c
}

func (h *JobHeader) String() string {
	return fmt.Sprintf("uuid:%s, name:%s, priority:%d, tasks:%d/%d, broadcast:%t",
		h.UUID, h.Name, h.SLA.Priority, h.TaskCount, h.InitialTaskCount, h.SLA.Broadcast)
}

// Dump renders every field of the header, for debugging.
func (h *JobHeader) Dump() string {
	return spew.Sdump(h)
}

// TaskDefinition is one unit of work submitted by a client.
type TaskDefinition struct {
	TaskID string
	Data   []byte
}

// Validate a submission, returning an error if it cannot be accepted.
func ValidateSubmission(header *JobHeader, tasks []TaskDefinition) error {
	if header == nil {
		return fmt.Errorf("invalid submission. Missing job header")
	}
	if len(tasks) == 0 {
		return fmt.Errorf("invalid submission. Must have at least 1 task; was empty")
	}
	if header.SLA.MaxNodes < 0 {
		return fmt.Errorf("invalid max nodes:%d. Must be >= 0", header.SLA.MaxNodes)
	}
	if header.SLA.MaxDispatchExpirations < 0 {
		return fmt.Errorf("invalid max dispatch expirations:%d. Must be >= 0", header.SLA.MaxDispatchExpirations)
	}
	return nil
}

// TaskState is the disposition of a single task.
type TaskState int

const (
	// Waiting for a result.
	Pending TaskState = iota

	// A node returned a result.
	Result

	// A node reported the task failed.
	Exception

	// Cancelled before a result arrived, the original data is returned.
	Cancelled

	// Timed out more times than the SLA tolerates.
	TimeoutCancelled

	// Timed out, to be dispatched again.
	TimeoutResubmit
)

func (s TaskState) String() string {
	asString := [6]string{"PENDING", "RESULT", "EXCEPTION", "CANCELLED", "TIMEOUT_CANCELLED", "TIMEOUT_RESUBMIT"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
	return asString[s]
}

// Final reports whether no further result can change the task.
func (s TaskState) Final() bool {
	return s == Result || s == Exception || s == Cancelled || s == TimeoutCancelled
}

// JobStatus is the lifecycle state of a job on the driver. It never goes
// backwards.
type JobStatus int

const (
	New JobStatus = iota
	Executing
	JobCancelled
	Complete
	Ended
)

func (s JobStatus) String() string {
	asString := [5]string{"NEW", "EXECUTING", "CANCELLED", "COMPLETE", "ENDED"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
	return asString[s]
}

// SubmissionStatus is the status of a job as reported to its submitter.
type SubmissionStatus int

const (
	Submitted SubmissionStatus = iota
	SubmissionPending
	SubmissionExecuting
	SubmissionFailed
	SubmissionComplete
	SubmissionEnded
)

func (s SubmissionStatus) String() string {
	asString := [6]string{"SUBMITTED", "PENDING", "EXECUTING", "FAILED", "COMPLETE", "ENDED"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("SubmissionStatus(%d)", int(s))
	}
	return asString[s]
}

// JobReturnReason tells why a node bundle came back.
type JobReturnReason int

const (
	ResultsReceived JobReturnReason = iota
	ExceptionReceived
	DispatchCancelled
	DispatchExpired
	DispatchFailed
)

func (r JobReturnReason) String() string {
	asString := [5]string{"RESULTS_RECEIVED", "EXCEPTION_RECEIVED", "CANCELLED", "EXPIRED", "DISPATCH_FAILED"}
	if r < 0 || int(r) >= len(asString) {
		return fmt.Sprintf("JobReturnReason(%d)", int(r))
	}
	return asString[r]
}
