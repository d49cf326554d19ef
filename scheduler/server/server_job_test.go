package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/gridsched/scheduler/domain"
)

func Test_ServerJob_Carve(t *testing.T) {
	h := testHeader("carve")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefsN("t", 5)))
	assert.Equal(t, 5, j.PendingTaskCount())
	assert.Equal(t, 5, j.Header().InitialTaskCount)

	nb := j.Carve(2)
	assert.Equal(t, []string{"t0", "t1"}, payloads(nb.Tasks()))
	assert.Equal(t, 2, nb.Header().TaskCount)
	assert.Equal(t, 3, j.PendingTaskCount())
	assert.Equal(t, 3, j.Header().TaskCount)

	nb = j.Carve(10)
	assert.Equal(t, []string{"t2", "t3", "t4"}, payloads(nb.Tasks()))
	assert.Equal(t, 0, j.PendingTaskCount())

	nb = j.Carve(1)
	assert.Equal(t, 0, nb.TaskCount())
	assert.Equal(t, 0, nb.Header().TaskCount)
}

func Test_ServerJob_DispatchSetsExecuting(t *testing.T) {
	h := testHeader("exec")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefsN("t", 2)))
	assert.Equal(t, domain.New, j.Status())

	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	assert.Equal(t, domain.Executing, j.Status())
	assert.Equal(t, domain.SubmissionExecuting, j.SubmissionStatus())
	assert.Equal(t, "n1", nb.Node())
	assert.False(t, nb.DispatchStart().IsZero())
	assert.Equal(t, 1, j.NbChannels())
	assert.Equal(t, 1, j.DispatchesOn("n1"))
	assert.Equal(t, 1, j.TotalDispatches())

	require.NoError(t, nb.ResultsReceived(echoResults(nb)))
	assert.Equal(t, 0, j.NbChannels())
	assert.Equal(t, 0, j.DispatchesOn("n1"))
	assert.Equal(t, domain.Executing, j.Status())
}

// Tasks of two client bundles carved across two node bundles come back to
// the bundle they were submitted in, each bundle completing once.
func Test_ServerJob_TwoClientReconciliation(t *testing.T) {
	h := testHeader("reconcile")
	b1 := NewClientBundle(h, testDefs("a0", "a1", "a2"))
	b2 := NewClientBundle(h, testDefs("b0", "b1"))
	rec := newBundleRecorder()
	rec.watch(b1, b2)
	j := NewServerJob(h, nil, b1, b2)

	nb1 := j.Carve(2)
	nb2 := j.Carve(3)
	assert.Equal(t, []string{"a2", "b0", "b1"}, payloads(nb2.Tasks()))
	j.Dispatched(nb1, "n1")
	j.Dispatched(nb2, "n2")

	require.NoError(t, nb2.ResultsReceived(echoResults(nb2)))
	assert.True(t, b2.IsDone())
	assert.False(t, b1.IsDone())
	assert.Equal(t, 1, b1.PendingCount())
	assert.Equal(t, domain.Executing, j.Status())

	require.NoError(t, nb1.ResultsReceived(echoResults(nb1)))
	assert.True(t, b1.IsDone())
	assert.Equal(t, domain.Ended, j.Status())
	assert.Equal(t, domain.SubmissionEnded, j.SubmissionStatus())

	for _, b := range []*ClientBundle{b1, b2} {
		completed, ended := rec.counts(b)
		assert.Equal(t, 1, completed, b.String())
		assert.Equal(t, 1, ended, b.String())
		assert.Equal(t, 0, b.PendingCount())
		for _, task := range b.Tasks() {
			assert.Equal(t, domain.Result, task.State())
			assert.Equal(t, "r-"+string(task.Payload()), string(task.Result()))
		}
	}
	assert.Equal(t, 3, b2.Tasks()[0].JobPosition())
}

func Test_ServerJob_TaskExceptionDoesNotCancelSiblings(t *testing.T) {
	h := testHeader("exceptions")
	b := NewClientBundle(h, testDefs("ok", "bad"))
	j := NewServerJob(h, nil, b)
	nb := j.Carve(2)
	j.Dispatched(nb, "n1")

	boom := errors.New("boom")
	require.NoError(t, nb.ResultsReceived([]TaskResult{{Data: []byte("fine")}, {Err: boom}}))
	assert.Equal(t, domain.Result, b.Tasks()[0].State())
	assert.Equal(t, domain.Exception, b.Tasks()[1].State())
	assert.Equal(t, boom, b.Tasks()[1].Err())
	assert.True(t, b.IsDone())
	assert.Equal(t, domain.Ended, j.Status())
}

func Test_ServerJob_CancelIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := testHeader("cancel")
	b := NewClientBundle(h, testDefsN("t", 4))
	rec := newBundleRecorder()
	rec.watch(b)
	j := NewServerJob(h, nil, b)

	nb := j.Carve(2)
	j.Dispatched(nb, "n1")
	f := NewMockFuture(ctrl)
	nb.SetFuture(f)
	f.EXPECT().IsDone().Return(false)
	f.EXPECT().Cancel(false).Return(true).Times(1)

	// The future never reports back, the dispatch is returned anyway.
	assert.True(t, j.Cancel())
	assert.True(t, j.IsCancelled())
	assert.Equal(t, 0, j.PendingTaskCount())
	assert.Equal(t, 0, b.PendingCount())
	assert.True(t, b.IsDone())
	assert.Equal(t, domain.DispatchCancelled, nb.ReturnReason())
	assert.Equal(t, domain.Ended, j.Status())
	assert.Empty(t, j.InFlight())
	assert.False(t, j.Cancel())

	assert.Error(t, nb.ExceptionReceived(ErrDispatchCancelled), "a late transport report is refused")
	assert.Error(t, nb.ResultsReceived(echoResults(nb)))
	assert.Contains(t, nb.Dump(), "CANCELLED")

	completed, ended := rec.counts(b)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, ended)
	for _, task := range b.Tasks() {
		assert.Equal(t, domain.Cancelled, task.State())
		assert.Equal(t, task.Payload(), task.Result())
	}
}

func Test_ServerJob_CancelDoneJobFails(t *testing.T) {
	h := testHeader("done")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("x")))
	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))

	assert.True(t, j.IsDone())
	assert.False(t, j.Cancel())
	assert.False(t, j.IsCancelled())
}

func Test_ServerJob_Expire(t *testing.T) {
	h := testHeader("expire")
	b := NewClientBundle(h, testDefsN("t", 3))
	j := NewServerJob(h, nil, b)

	assert.True(t, j.Expire())
	assert.True(t, j.IsExpired())
	assert.True(t, j.IsCancelled())
	assert.True(t, b.IsDone())
	assert.Equal(t, domain.Ended, j.Status())
}

func Test_ServerJob_RequeueOnResubmit(t *testing.T) {
	h := testHeader("requeue")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefsN("t", 4)))
	var requeues int32
	j.SetOnRequeue(func() { atomic.AddInt32(&requeues, 1) })

	nb := j.Carve(4)
	j.Dispatched(nb, "n1")
	nb.Resubmit()
	require.NoError(t, nb.ExceptionReceived(errors.New("node lost")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requeues))
	assert.Equal(t, 4, j.PendingTaskCount())
	assert.Equal(t, domain.SubmissionFailed, j.SubmissionStatus())
	assert.True(t, nb.IsRequeued())

	// Only the return refilling an empty pool requeues.
	nb1, nb2 := j.Carve(2), j.Carve(2)
	j.Dispatched(nb1, "n1")
	j.Dispatched(nb2, "n2")
	nb1.Resubmit()
	nb2.Resubmit()
	require.NoError(t, nb1.ExceptionReceived(errors.New("node lost")))
	require.NoError(t, nb2.ExceptionReceived(errors.New("node lost")))
	assert.Equal(t, int32(2), atomic.LoadInt32(&requeues))
	assert.Equal(t, []string{"t2", "t3", "t0", "t1"}, payloads(j.Carve(4).Tasks()))
}

func Test_ServerJob_RequeueExactlyOnceUnderConcurrentReturns(t *testing.T) {
	h := testHeader("requeue-once")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefsN("t", 16)))
	var requeues int32
	j.SetOnRequeue(func() { atomic.AddInt32(&requeues, 1) })

	var bundles []*NodeBundle
	for nb := j.Carve(1); nb.TaskCount() > 0; nb = j.Carve(1) {
		j.Dispatched(nb, "n1")
		nb.Resubmit()
		bundles = append(bundles, nb)
	}
	require.Len(t, bundles, 16)

	var wg sync.WaitGroup
	for _, nb := range bundles {
		wg.Add(1)
		go func(nb *NodeBundle) {
			defer wg.Done()
			nb.ExceptionReceived(errors.New("node lost"))
		}(nb)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&requeues))
	assert.Equal(t, 16, j.PendingTaskCount())
}

func Test_ServerJob_DispatchExpirations(t *testing.T) {
	h := testHeader("timeouts")
	h.SLA.MaxDispatchExpirations = 1
	b := NewClientBundle(h, testDefs("a", "b"))
	j := NewServerJob(h, nil, b)

	nb := j.Carve(2)
	j.Dispatched(nb, "n1")
	nb.Expire()
	require.NoError(t, nb.ExceptionReceived(errors.New("timeout")))
	assert.Equal(t, domain.DispatchExpired, nb.ReturnReason())
	assert.Equal(t, 2, j.PendingTaskCount())
	assert.Equal(t, 1, b.Tasks()[0].Expirations())
	assert.False(t, b.IsDone())

	nb = j.Carve(2)
	j.Dispatched(nb, "n2")
	nb.Expire()
	require.NoError(t, nb.ExceptionReceived(errors.New("timeout")))
	assert.True(t, b.IsDone())
	for _, task := range b.Tasks() {
		assert.Equal(t, domain.TimeoutCancelled, task.State())
		assert.Equal(t, task.Payload(), task.Result())
	}
	assert.Equal(t, domain.Ended, j.Status())
}

func Test_ServerJob_AddBundleToEndedJob(t *testing.T) {
	h := testHeader("ended")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("x")))
	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))
	require.Equal(t, domain.Ended, j.Status())

	err := j.AddBundle(NewClientBundle(h, testDefs("y")))
	assert.Equal(t, ErrJobEnded, err)
}

// A bundle added once the job completed is held aside and handed to the
// completion callbacks.
func Test_ServerJob_AddBundleToCompleteJob(t *testing.T) {
	h := testHeader("complete")
	b := NewClientBundle(h, testDefs("x"))
	j := NewServerJob(h, nil, b)
	late := NewClientBundle(h, testDefs("y"))

	var addErr error
	var statusOnAdd domain.JobStatus
	b.AddListener(ClientBundleListenerFuncs{OnBundleEnded: func(*ClientBundle) {
		statusOnAdd = j.Status()
		addErr = j.AddBundle(late)
	}})
	var handed []*ClientBundle
	j.OnDone(func(done *ServerJob, bundles []*ClientBundle) {
		assert.Equal(t, j, done)
		handed = bundles
	})

	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))

	assert.Equal(t, domain.Complete, statusOnAdd)
	assert.NoError(t, addErr)
	assert.Equal(t, []*ClientBundle{late}, handed)
	assert.False(t, late.IsCancelled())
	assert.Equal(t, 1, late.PendingCount())
}

func Test_ServerJob_LateBundleWithoutCallbackIsCancelled(t *testing.T) {
	h := testHeader("complete-nocb")
	b := NewClientBundle(h, testDefs("x"))
	j := NewServerJob(h, nil, b)
	late := NewClientBundle(h, testDefs("y"))
	b.AddListener(ClientBundleListenerFuncs{OnBundleEnded: func(*ClientBundle) {
		j.AddBundle(late)
	}})

	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))

	assert.True(t, late.IsCancelled())
	assert.True(t, late.IsDone())
	assert.Equal(t, domain.Cancelled, late.Tasks()[0].State())
}

func Test_ServerJob_ClientBundleCancel(t *testing.T) {
	h := testHeader("bundle-cancel")
	b1 := NewClientBundle(h, testDefs("a0", "a1"))
	b2 := NewClientBundle(h, testDefs("b0"))
	j := NewServerJob(h, nil, b1, b2)

	nb := j.Carve(1)
	j.Dispatched(nb, "n1")

	assert.True(t, b1.Cancel())
	assert.False(t, b1.Cancel())
	assert.Equal(t, 1, j.PendingTaskCount())
	assert.Equal(t, 1, b1.PendingCount())

	// a0 was already on a node and keeps its result.
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))
	assert.True(t, b1.IsDone())
	assert.Equal(t, domain.Result, b1.Tasks()[0].State())
	assert.Equal(t, domain.Cancelled, b1.Tasks()[1].State())
	assert.False(t, b2.IsDone())
	assert.Equal(t, domain.Executing, j.Status())
}

func Test_ServerJob_AddCancelledBundle(t *testing.T) {
	h := testHeader("add-cancelled")
	b := NewClientBundle(h, testDefs("x"))
	j := NewServerJob(h, nil, b)
	assert.True(t, j.Cancel())
	require.Equal(t, domain.Ended, j.Status())

	j2 := NewServerJob(h, nil, NewClientBundle(h, testDefs("y")))
	nb := j2.Carve(1)
	j2.Dispatched(nb, "n1")
	require.True(t, j2.Cancel())
	// The in flight dispatch is returned with the cancel, so the job ends.
	assert.Equal(t, domain.Ended, j2.Status())
	other := NewClientBundle(h, testDefs("z"))
	assert.Equal(t, ErrJobEnded, j2.AddBundle(other))
	assert.False(t, other.IsDone())
}

func Test_ServerJob_Listeners(t *testing.T) {
	h := testHeader("listeners")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("x", "y")))
	rec := &jobRecorder{}
	j.AddListener(rec)

	j.SetSuspended(true)
	assert.True(t, j.IsSuspended())
	j.SetSuspended(true)
	j.SetMaxNodes(3)
	assert.Equal(t, 3, j.SLA().MaxNodes)

	nb := j.Carve(2)
	j.Dispatched(nb, "n1")
	require.NoError(t, nb.ResultsReceived(echoResults(nb)))

	assert.Equal(t, 2, rec.updated)
	assert.Equal(t, []string{"n1"}, rec.dispatched)
	assert.Equal(t, []string{"n1"}, rec.returned)
	assert.Equal(t, 1, rec.ended)
}

func Test_ServerJob_Update(t *testing.T) {
	h := testHeader("update")
	h.SLA.Broadcast = true
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("x")))

	sla := domain.JobSLA{Priority: 7, MaxNodes: 2}
	assert.True(t, j.Update(sla, domain.JobMetadata{"k": "v"}, nil))
	assert.Equal(t, 7, j.SLA().Priority)
	assert.True(t, j.SLA().Broadcast)
	assert.Equal(t, "v", j.Header().Metadata["k"])

	j.Cancel()
	assert.False(t, j.Update(sla, nil, nil))
}

func Test_NodeBundle_ResultCountMismatch(t *testing.T) {
	h := testHeader("mismatch")
	b := NewClientBundle(h, testDefs("a", "b"))
	j := NewServerJob(h, nil, b)
	nb := j.Carve(2)
	j.Dispatched(nb, "n1")

	err := nb.ResultsReceived([]TaskResult{{Data: []byte("only one")}})
	assert.Error(t, err)
	assert.Equal(t, domain.ExceptionReceived, nb.ReturnReason())
	for _, task := range b.Tasks() {
		assert.Equal(t, domain.Exception, task.State())
	}
	assert.Error(t, nb.ResultsReceived(echoResults(nb)))
	assert.Error(t, nb.ExceptionReceived(errors.New("again")))
}

func Test_NodeBundle_FutureCancelledWhenSetLate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := testHeader("late-future")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("a")))
	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	j.Cancel()

	f := NewMockFuture(ctrl)
	f.EXPECT().IsDone().Return(false)
	f.EXPECT().Cancel(false).Return(true)
	nb.SetFuture(f)
	assert.Equal(t, f, nb.Future())
}

// silentFuture accepts a cancel request but never reports back, like a
// dispatch to a node that was lost.
type silentFuture struct{ cancels int32 }

func (f *silentFuture) Cancel(bool) bool {
	atomic.AddInt32(&f.cancels, 1)
	return true
}
func (f *silentFuture) IsDone() bool { return false }

func Test_ServerJob_CancelDoesNotWaitForTransport(t *testing.T) {
	h := testHeader("silent")
	b := NewClientBundle(h, testDefsN("t", 4))
	j := NewServerJob(h, nil, b)

	nb := j.Carve(2)
	j.Dispatched(nb, "n1")
	f := &silentFuture{}
	nb.SetFuture(f)

	require.True(t, j.Cancel())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.cancels))
	assert.Equal(t, domain.Ended, j.Status())
	assert.Equal(t, 0, b.PendingCount())
	for _, task := range b.Tasks() {
		assert.Equal(t, domain.Cancelled, task.State())
	}
}
