package server

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cc "github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/scheduler/domain"
)

func Test_LoopbackTransport_RunsTasksInOrder(t *testing.T) {
	var seen []string
	transport := NewLoopbackTransport(func(_ context.Context, node cc.Node, payload []byte) ([]byte, error) {
		seen = append(seen, string(payload))
		if string(payload) == "bad" {
			return nil, errors.New("bad payload")
		}
		return append([]byte(node.Id()+":"), payload...), nil
	})

	h := testHeader("loop")
	b := NewClientBundle(h, testDefs("a", "bad", "c"))
	j := NewServerJob(h, nil, b)
	nb := j.Carve(3)
	j.Dispatched(nb, "n1")
	f, err := transport.Dispatch(context.Background(), nb, cc.NewIdNode("n1"))
	require.NoError(t, err)
	nb.SetFuture(f)

	waitBundle(t, b)
	transport.Wait()
	assert.True(t, f.IsDone())
	assert.False(t, f.Cancel(true))
	assert.Equal(t, []string{"a", "bad", "c"}, seen)

	tasks := b.Tasks()
	assert.Equal(t, []byte("n1:a"), tasks[0].Result())
	assert.Equal(t, domain.Exception, tasks[1].State())
	assert.EqualError(t, tasks[1].Err(), "bad payload")
	assert.Equal(t, []byte("n1:c"), tasks[2].Result())
	assert.Equal(t, domain.ResultsReceived, nb.ReturnReason())
}

func Test_LoopbackTransport_CancelledContext(t *testing.T) {
	transport := NewLoopbackTransport(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := testHeader("loop")
	j := NewServerJob(h, nil, NewClientBundle(h, testDefs("a")))
	_, err := transport.Dispatch(ctx, j.Carve(1), cc.NewIdNode("n1"))
	assert.Equal(t, context.Canceled, err)
}

func Test_LoopbackTransport_FutureCancel(t *testing.T) {
	release := make(chan struct{})
	transport := NewLoopbackTransport(func(ctx context.Context, _ cc.Node, payload []byte) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return payload, nil
		}
	})

	h := testHeader("loop")
	h.SLA.MaxDispatchExpirations = 0
	b := NewClientBundle(h, testDefs("a"))
	j := NewServerJob(h, nil, b)
	requeued := 0
	j.SetOnRequeue(func() { requeued++ })

	nb := j.Carve(1)
	j.Dispatched(nb, "n1")
	f, err := transport.Dispatch(context.Background(), nb, cc.NewIdNode("n1"))
	require.NoError(t, err)
	nb.SetFuture(f)

	nb.Resubmit()
	assert.True(t, f.Cancel(true))
	assert.False(t, f.Cancel(true))
	transport.Wait()
	close(release)

	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, j.PendingTaskCount())
	assert.Equal(t, domain.Pending, b.Tasks()[0].State())
	assert.Equal(t, domain.ExceptionReceived, nb.ReturnReason())
}
