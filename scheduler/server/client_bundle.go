package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/scheduler/domain"
)

// ClientBundleListener is told when every task of a client bundle resolved
// and when the job let go of the bundle. Each method is called once per
// bundle, from the goroutine returning results.
type ClientBundleListener interface {
	TasksCompleted(b *ClientBundle, tasks []*ServerTask)
	BundleEnded(b *ClientBundle)
}

// ClientBundleListenerFuncs adapts functions to ClientBundleListener. Nil
// functions are skipped.
type ClientBundleListenerFuncs struct {
	OnTasksCompleted func(b *ClientBundle, tasks []*ServerTask)
	OnBundleEnded    func(b *ClientBundle)
}

func (f ClientBundleListenerFuncs) TasksCompleted(b *ClientBundle, tasks []*ServerTask) {
	if f.OnTasksCompleted != nil {
		f.OnTasksCompleted(b, tasks)
	}
}

func (f ClientBundleListenerFuncs) BundleEnded(b *ClientBundle) {
	if f.OnBundleEnded != nil {
		f.OnBundleEnded(b)
	}
}

// ClientBundle is the set of tasks a client submitted in one call. Results
// flow back to it by task position, whichever node bundles carried them.
type ClientBundle struct {
	id     string
	header *domain.JobHeader
	tasks  []*ServerTask

	pending   int32
	cancelled int32
	done      int32
	ended     int32
	doneCh    chan struct{}

	mu        sync.Mutex
	job       *ServerJob
	listeners []ClientBundleListener
}

// NewClientBundle wraps the tasks of one submission.
func NewClientBundle(header *domain.JobHeader, defs []domain.TaskDefinition) *ClientBundle {
	h := header.Copy()
	h.TaskCount = len(defs)
	b := &ClientBundle{
		id:      xid.New().String(),
		header:  h,
		pending: int32(len(defs)),
		doneCh:  make(chan struct{}),
	}
	b.tasks = make([]*ServerTask, len(defs))
	for i, d := range defs {
		b.tasks[i] = newServerTask(b, i, d.Data)
	}
	if len(defs) == 0 {
		b.done = 1
		close(b.doneCh)
	}
	return b
}

func (b *ClientBundle) ID() string                { return b.id }
func (b *ClientBundle) Header() *domain.JobHeader { return b.header }
func (b *ClientBundle) Tasks() []*ServerTask      { return b.tasks }
func (b *ClientBundle) TaskCount() int            { return len(b.tasks) }
func (b *ClientBundle) PendingCount() int         { return int(atomic.LoadInt32(&b.pending)) }
func (b *ClientBundle) IsCancelled() bool         { return atomic.LoadInt32(&b.cancelled) == 1 }
func (b *ClientBundle) IsDone() bool              { return atomic.LoadInt32(&b.done) == 1 }
func (b *ClientBundle) IsEnded() bool             { return atomic.LoadInt32(&b.ended) == 1 }
func (b *ClientBundle) Done() <-chan struct{}     { return b.doneCh }
func (b *ClientBundle) String() string {
	return fmt.Sprintf("ClientBundle{id:%s, job:%s, tasks:%d, pending:%d}", b.id, b.header.UUID, len(b.tasks), b.PendingCount())
}

// AddListener registers l. A listener added after the bundle completed
// does not get the earlier notifications.
func (b *ClientBundle) AddListener(l ClientBundleListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Wait blocks until every task resolved or ctx is done.
func (b *ClientBundle) Wait(ctx context.Context) error {
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the tasks of this bundle that were not dispatched yet.
// Tasks already on a node resolve normally. Only the first call has an
// effect.
func (b *ClientBundle) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&b.cancelled, 0, 1) {
		return false
	}
	b.mu.Lock()
	job := b.job
	b.mu.Unlock()
	if job != nil {
		job.cancelBundle(b)
		return true
	}
	for _, t := range b.tasks {
		t.cancel()
	}
	b.resultsReceived(b.tasks)
	return true
}

func (b *ClientBundle) setJob(j *ServerJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.job = j
}

func (b *ClientBundle) getListeners() []ClientBundleListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ClientBundleListener(nil), b.listeners...)
}

// resultsReceived counts the final tasks among results that were not
// delivered before. The count reaching zero completes the bundle.
func (b *ClientBundle) resultsReceived(results []*ServerTask) {
	n := int32(0)
	for _, t := range results {
		if t.bundle == b && t.markDelivered() {
			n++
		}
	}
	if n == 0 {
		return
	}
	if remaining := atomic.AddInt32(&b.pending, -n); remaining > 0 {
		return
	} else if remaining < 0 {
		log.WithFields(log.Fields{"bundle": b.id, "pending": remaining}).Error("client bundle received more results than tasks")
		return
	}
	if atomic.CompareAndSwapInt32(&b.done, 0, 1) {
		close(b.doneCh)
		for _, l := range b.getListeners() {
			l.TasksCompleted(b, b.tasks)
		}
	}
}

// bundleEnded is called once the owning job no longer references b.
func (b *ClientBundle) bundleEnded() {
	if !atomic.CompareAndSwapInt32(&b.ended, 0, 1) {
		return
	}
	for _, l := range b.getListeners() {
		l.BundleEnded(b)
	}
}

// copyForBroadcast returns a bundle with fresh tasks over the same payloads,
// used by the per node jobs of a broadcast.
func (b *ClientBundle) copyForBroadcast() *ClientBundle {
	defs := make([]domain.TaskDefinition, len(b.tasks))
	for i, t := range b.tasks {
		defs[i] = domain.TaskDefinition{Data: t.payload}
	}
	c := NewClientBundle(b.header, defs)
	for i, t := range c.tasks {
		t.jobPosition = b.tasks[i].jobPosition
	}
	return c
}
