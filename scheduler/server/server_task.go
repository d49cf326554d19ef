package server

import (
	"fmt"
	"sync"

	"github.com/twitter/gridsched/scheduler/domain"
)

// ServerTask is the driver side view of one task: where it came from, what
// it carries and what became of it.
type ServerTask struct {
	bundle      *ClientBundle
	position    int // in the client bundle
	jobPosition int // in the job, assigned when the bundle joins a job
	payload     []byte

	mu          sync.Mutex
	state       domain.TaskState
	result      []byte
	err         error
	expirations int
	delivered   bool
}

func newServerTask(bundle *ClientBundle, position int, payload []byte) *ServerTask {
	return &ServerTask{
		bundle:      bundle,
		position:    position,
		jobPosition: position,
		payload:     payload,
		state:       domain.Pending,
	}
}

func (t *ServerTask) Bundle() *ClientBundle { return t.bundle }
func (t *ServerTask) Position() int         { return t.position }
func (t *ServerTask) JobPosition() int      { return t.jobPosition }
func (t *ServerTask) Payload() []byte       { return t.payload }

func (t *ServerTask) State() domain.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns what the node computed, or the original payload for
// cancelled tasks.
func (t *ServerTask) Result() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *ServerTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ServerTask) Expirations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expirations
}

func (t *ServerTask) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("ServerTask{position:%d, jobPosition:%d, state:%v, expirations:%d}",
		t.position, t.jobPosition, t.state, t.expirations)
}

// The transitions below leave a final state alone: once a task has a result,
// exception or cancellation nothing overrides it.

func (t *ServerTask) resultReceived(result []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Final() {
		t.state = domain.Result
		t.result = result
	}
}

func (t *ServerTask) exceptionReceived(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Final() {
		t.state = domain.Exception
		t.err = err
	}
}

// cancel hands the original payload back as result.
func (t *ServerTask) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Final() {
		t.state = domain.Cancelled
		t.result = t.payload
	}
}

func (t *ServerTask) resubmit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Final() {
		t.state = domain.TimeoutResubmit
	}
}

// expire counts a dispatch timeout and cancels the task once it exceeds max.
func (t *ServerTask) expire(max int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Final() {
		return
	}
	t.expirations++
	if t.expirations > max {
		t.state = domain.TimeoutCancelled
		t.result = t.payload
	} else {
		t.state = domain.TimeoutResubmit
	}
}

// reset puts a resubmitted task back in the pending state, returning false if
// the task already reached a final state.
func (t *ServerTask) reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Final() {
		return false
	}
	t.state = domain.Pending
	return true
}

// markDelivered returns true the first time it is called on a final task.
func (t *ServerTask) markDelivered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delivered || !t.state.Final() {
		return false
	}
	t.delivered = true
	return true
}
