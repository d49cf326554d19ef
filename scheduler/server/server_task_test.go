package server

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/twitter/gridsched/scheduler/domain"
)

func Test_ServerTask_FinalStatesStick(t *testing.T) {
	b := NewClientBundle(testHeader("u"), testDefs("p"))
	task := b.Tasks()[0]

	task.resultReceived([]byte("r"))
	task.exceptionReceived(errors.New("late"))
	task.cancel()
	task.resubmit()
	task.expire(0)
	assert.Equal(t, domain.Result, task.State())
	assert.Equal(t, []byte("r"), task.Result())
	assert.Nil(t, task.Err())
	assert.False(t, task.reset())
}

func Test_ServerTask_Expire(t *testing.T) {
	b := NewClientBundle(testHeader("u"), testDefs("p"))
	task := b.Tasks()[0]

	task.expire(1)
	assert.Equal(t, domain.TimeoutResubmit, task.State())
	assert.True(t, task.reset())
	assert.Equal(t, domain.Pending, task.State())

	task.expire(1)
	assert.Equal(t, domain.TimeoutCancelled, task.State())
	assert.Equal(t, 2, task.Expirations())
	assert.Equal(t, []byte("p"), task.Result())
}

func Test_ServerTask_DeliveredOnce(t *testing.T) {
	b := NewClientBundle(testHeader("u"), testDefs("p", "q"))
	rec := newBundleRecorder()
	rec.watch(b)
	first, second := b.Tasks()[0], b.Tasks()[1]

	assert.False(t, first.markDelivered())
	first.cancel()
	b.resultsReceived([]*ServerTask{first, first})
	assert.Equal(t, 1, b.PendingCount())

	second.resultReceived([]byte("r"))
	b.resultsReceived([]*ServerTask{second})
	b.resultsReceived([]*ServerTask{second})
	assert.Equal(t, 0, b.PendingCount())
	assert.True(t, b.IsDone())
	completed, _ := rec.counts(b)
	assert.Equal(t, 1, completed)
}

func Test_ClientBundle_CancelWithoutJob(t *testing.T) {
	b := NewClientBundle(testHeader("u"), testDefs("p"))
	assert.True(t, b.Cancel())
	assert.False(t, b.Cancel())
	assert.True(t, b.IsDone())
	assert.Equal(t, domain.Cancelled, b.Tasks()[0].State())
	assert.Equal(t, []byte("p"), b.Tasks()[0].Result())
}

func Test_ClientBundle_Empty(t *testing.T) {
	b := NewClientBundle(testHeader("u"), nil)
	assert.True(t, b.IsDone())
	select {
	case <-b.Done():
	default:
		t.Errorf("expected an empty bundle to be done")
	}
}

func Test_ClientBundle_CopyForBroadcast(t *testing.T) {
	h := testHeader("u")
	b := NewClientBundle(h, testDefs("p", "q"))
	NewServerJob(h, nil, NewClientBundle(h, testDefs("x")), b)

	c := b.copyForBroadcast()
	assert.NotEqual(t, b.ID(), c.ID())
	assert.Equal(t, payloads(b.Tasks()), payloads(c.Tasks()))
	for i, task := range c.Tasks() {
		assert.Equal(t, b.Tasks()[i].JobPosition(), task.JobPosition())
		assert.Equal(t, domain.Pending, task.State())
	}
	assert.Equal(t, 1, c.Tasks()[0].JobPosition())
}
