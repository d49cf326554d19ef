package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/cloud/cluster"
)

// ErrDispatchCancelled is reported to a bundle whose loopback dispatch was
// cancelled before every task ran.
var ErrDispatchCancelled = errors.New("dispatch cancelled")

// TaskFunc executes one task payload on node.
type TaskFunc func(ctx context.Context, node cluster.Node, payload []byte) ([]byte, error)

// EchoTask returns the payload unchanged.
func EchoTask(_ context.Context, _ cluster.Node, payload []byte) ([]byte, error) {
	return payload, nil
}

// LoopbackTransport runs node bundles in process, one goroutine per
// dispatch, tasks in order. A task error becomes that task's exception.
type LoopbackTransport struct {
	run TaskFunc
	wg  sync.WaitGroup
}

// NewLoopbackTransport creates a transport running tasks with run, or
// EchoTask when run is nil.
func NewLoopbackTransport(run TaskFunc) *LoopbackTransport {
	if run == nil {
		run = EchoTask
	}
	return &LoopbackTransport{run: run}
}

func (t *LoopbackTransport) Dispatch(ctx context.Context, nb *NodeBundle, node cluster.Node) (Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	f := &loopbackFuture{cancel: cancel}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.execute(runCtx, f, nb, node)
	}()
	return f, nil
}

// Wait blocks until every dispatch returned.
func (t *LoopbackTransport) Wait() {
	t.wg.Wait()
}

func (t *LoopbackTransport) execute(ctx context.Context, f *loopbackFuture, nb *NodeBundle, node cluster.Node) {
	results := make([]TaskResult, nb.TaskCount())
	for i, task := range nb.Tasks() {
		if ctx.Err() != nil {
			break
		}
		data, err := t.run(ctx, node, task.Payload())
		results[i] = TaskResult{Data: data, Err: err}
	}
	// A cancel racing with the last task still counts as a cancel.
	if ctx.Err() != nil {
		f.finish()
		log.WithFields(log.Fields{"bundle": nb.Key(), "node": node.Id()}).Debug("loopback dispatch cancelled")
		nb.ExceptionReceived(ErrDispatchCancelled)
		return
	}
	f.finish()
	if err := nb.ResultsReceived(results); err != nil {
		entry := log.WithFields(log.Fields{"bundle": nb.Key(), "err": err})
		if nb.IsCancelled() {
			// Already handed back by the job's cancel.
			entry.Debug("dropping loopback results")
			return
		}
		entry.Error("returning loopback results")
	}
}

type loopbackFuture struct {
	done      int32
	cancelled int32
	cancel    context.CancelFunc
}

func (f *loopbackFuture) Cancel(interruptIfRunning bool) bool {
	if f.IsDone() || !atomic.CompareAndSwapInt32(&f.cancelled, 0, 1) {
		return false
	}
	f.cancel()
	return true
}

func (f *loopbackFuture) IsDone() bool {
	return atomic.LoadInt32(&f.done) == 1
}

func (f *loopbackFuture) finish() {
	atomic.StoreInt32(&f.done, 1)
}
