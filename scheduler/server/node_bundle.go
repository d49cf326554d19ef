package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/scheduler/domain"
)

var nodeBundleCount int64

// TaskResult is what a node sends back for one task.
type TaskResult struct {
	Data []byte
	Err  error
}

// NodeBundle is a slice of a job's pending tasks carved off for dispatch to
// a single node. The transport reports back through ResultsReceived or
// ExceptionReceived, exactly once.
type NodeBundle struct {
	id     int64
	job    *ServerJob
	header *domain.JobHeader
	tasks  []*ServerTask

	mu            sync.Mutex
	node          string
	future        Future
	requeued      bool
	cancelled     bool
	expired       bool
	reason        domain.JobReturnReason
	dispatchStart time.Time

	returned int32
}

func newNodeBundle(job *ServerJob, header *domain.JobHeader, tasks []*ServerTask) *NodeBundle {
	h := header.Copy()
	h.TaskCount = len(tasks)
	return &NodeBundle{
		id:     atomic.AddInt64(&nodeBundleCount, 1),
		job:    job,
		header: h,
		tasks:  tasks,
	}
}

func (nb *NodeBundle) ID() int64                 { return nb.id }
func (nb *NodeBundle) Job() *ServerJob           { return nb.job }
func (nb *NodeBundle) Header() *domain.JobHeader { return nb.header }
func (nb *NodeBundle) Tasks() []*ServerTask      { return nb.tasks }
func (nb *NodeBundle) TaskCount() int            { return len(nb.tasks) }

// Key identifies the bundle across jobs.
func (nb *NodeBundle) Key() string {
	return fmt.Sprintf("%s|%d", nb.header.UUID, nb.id)
}

func (nb *NodeBundle) Node() string {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.node
}

func (nb *NodeBundle) Future() Future {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.future
}

func (nb *NodeBundle) IsRequeued() bool {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.requeued
}

func (nb *NodeBundle) IsCancelled() bool {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.cancelled
}

func (nb *NodeBundle) IsExpired() bool {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.expired
}

func (nb *NodeBundle) ReturnReason() domain.JobReturnReason {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.reason
}

func (nb *NodeBundle) DispatchStart() time.Time {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.dispatchStart
}

func (nb *NodeBundle) String() string {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return fmt.Sprintf("NodeBundle{id:%d, job:%s, tasks:%d, node:%s, cancelled:%t, requeued:%t}",
		nb.id, nb.header.UUID, len(nb.tasks), nb.node, nb.cancelled, nb.requeued)
}

// Dump renders the bundle and its tasks, for debugging.
func (nb *NodeBundle) Dump() string {
	states := make([]string, len(nb.tasks))
	for i, t := range nb.tasks {
		states[i] = t.State().String()
	}
	return render.Render(struct {
		ID     int64
		Header *domain.JobHeader
		Node   string
		States []string
	}{nb.id, nb.header, nb.Node(), states})
}

func (nb *NodeBundle) dispatched(node string) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.node = node
	nb.dispatchStart = stats.Time.Now()
}

// SetFuture records the transport's handle on the dispatch. A bundle
// cancelled before its future was known cancels it right away.
func (nb *NodeBundle) SetFuture(f Future) {
	nb.mu.Lock()
	nb.future = f
	cancelled := nb.cancelled
	nb.mu.Unlock()
	if cancelled && f != nil && !f.IsDone() {
		f.Cancel(false)
	}
}

// Resubmit flags every unresolved task for another dispatch round when the
// bundle returns. Broadcast bundles cannot be resubmitted.
func (nb *NodeBundle) Resubmit() {
	if nb.header.SLA.Broadcast {
		return
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.requeued = true
	for _, t := range nb.tasks {
		t.resubmit()
	}
}

// Expire handles a dispatch timeout: tasks that timed out more often than
// the SLA allows are cancelled, the others are resubmitted.
func (nb *NodeBundle) Expire() {
	if nb.header.SLA.Broadcast {
		return
	}
	max := nb.header.SLA.MaxDispatchExpirations
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.expired = true
	nb.requeued = true
	for _, t := range nb.tasks {
		t.expire(max)
	}
}

// Cancel marks every unresolved task cancelled.
func (nb *NodeBundle) Cancel() {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.cancelled = true
	for _, t := range nb.tasks {
		t.cancel()
	}
}

// ResultsReceived records one result per task, in task order, and returns
// the bundle to its job.
func (nb *NodeBundle) ResultsReceived(results []TaskResult) error {
	if len(results) != len(nb.tasks) {
		err := errors.Errorf("bundle %s: expected %d results, got %d", nb.Key(), len(nb.tasks), len(results))
		nb.ExceptionReceived(err)
		return err
	}
	if !nb.markReturned() {
		return errors.Errorf("bundle %s already returned", nb.Key())
	}
	for i, r := range results {
		if r.Err != nil {
			nb.tasks[i].exceptionReceived(r.Err)
		} else {
			nb.tasks[i].resultReceived(r.Data)
		}
	}
	nb.setReason(domain.ResultsReceived)
	nb.job.bundleReturned(nb, nil)
	return nil
}

// ExceptionReceived reports that the whole dispatch failed. Tasks flagged
// for resubmission go back to the job's pending pool, the others resolve
// with err.
func (nb *NodeBundle) ExceptionReceived(err error) error {
	return nb.exceptionReceived(err, domain.ExceptionReceived)
}

// dispatchFailed returns a bundle the transport never accepted.
func (nb *NodeBundle) dispatchFailed(err error) error {
	return nb.exceptionReceived(err, domain.DispatchFailed)
}

// returnCancelled hands a cancelled bundle back to its job without waiting
// for the transport. A later report from the transport is refused.
func (nb *NodeBundle) returnCancelled() bool {
	if !nb.markReturned() {
		return false
	}
	nb.setReason(domain.DispatchCancelled)
	nb.job.bundleReturned(nb, nil)
	return true
}

func (nb *NodeBundle) exceptionReceived(err error, reason domain.JobReturnReason) error {
	if !nb.markReturned() {
		return errors.Errorf("bundle %s already returned", nb.Key())
	}
	for _, t := range nb.tasks {
		if t.State() != domain.TimeoutResubmit {
			t.exceptionReceived(err)
		}
	}
	switch {
	case nb.IsCancelled():
		nb.setReason(domain.DispatchCancelled)
	case nb.IsExpired():
		nb.setReason(domain.DispatchExpired)
	default:
		nb.setReason(reason)
	}
	nb.job.bundleReturned(nb, err)
	return nil
}

func (nb *NodeBundle) markReturned() bool {
	return atomic.CompareAndSwapInt32(&nb.returned, 0, 1)
}

func (nb *NodeBundle) setReason(r domain.JobReturnReason) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.reason = r
}
