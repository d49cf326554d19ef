package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cc "github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/scheduler/domain"
)

func waitBundle(t *testing.T, b *ClientBundle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx), "bundle %s did not complete", b)
}

func runDriver(d *Driver) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func Test_Driver_LoopbackEndToEnd(t *testing.T) {
	transport := NewLoopbackTransport(nil)
	stat := stats.DefaultStatsReceiver()
	d := NewDriver(DriverConfig{BundleSize: 2, StepInterval: 10 * time.Millisecond}, cc.NewIdNodes(3), nil, transport, nil, stat)
	stop := runDriver(d)
	defer stop()

	b, err := d.Submit(testHeader("e2e"), testDefsN("t", 5))
	require.NoError(t, err)
	waitBundle(t, b)
	transport.Wait()

	for i, task := range b.Tasks() {
		assert.Equal(t, domain.Result, task.State())
		assert.Equal(t, testDefsN("t", 5)[i].Data, task.Result())
	}
	assert.Equal(t, int64(5), stat.Snapshot()[stats.DriverTasksDispatchedCounter])
	assert.Equal(t, int64(3), stat.Snapshot()[stats.DriverDispatchCounter])
}

func Test_Driver_PreferenceRanking(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	d := NewDriver(DriverConfig{}, []cc.Node{cpuNode("a-small", 2), cpuNode("b-big", 8)}, nil, transport, nil, nil)

	h := testHeader("pref")
	h.SLA.ExecutionPolicy = preferBigNodes
	_, err := d.Submit(h, testDefs("x"))
	require.NoError(t, err)

	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, nb *NodeBundle, node cc.Node) (Future, error) {
			assert.Equal(t, cc.NodeId("b-big"), node.Id())
			return NewMockFuture(mockCtrl), nil
		}).Times(1)
	d.Step(context.Background())

	j, _ := d.Queue().Get("pref")
	assert.Equal(t, 1, j.DispatchesOn("b-big"))
	assert.Equal(t, domain.Executing, j.Status())
	assert.Equal(t, domain.SubmissionExecuting, j.SubmissionStatus())
	assert.Empty(t, d.Queue().Ready())
	assert.Equal(t, 1, j.PolicyContext(nil, nil).Dispatches)
}

func Test_Driver_PolicyRejectsEveryNode(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	d := NewDriver(DriverConfig{}, []cc.Node{cpuNode("n1", 2), cpuNode("n2", 2)}, nil, transport, nil, nil)

	h := testHeader("picky")
	h.SLA.ExecutionPolicy = cpuPolicy
	_, err := d.Submit(h, testDefs("x"))
	require.NoError(t, err)

	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	d.Step(context.Background())
	assert.Len(t, d.Queue().Ready(), 1)

	p, err := d.Queue().cache.Get(cpuPolicy)
	require.NoError(t, err)
	assert.Equal(t, 0, d.CountNodesMatching(p))
}

func Test_Driver_DispatchErrorIsRetriedThenRequeued(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	config := DriverConfig{DispatchRetries: 2, DispatchRetryInterval: time.Millisecond}
	stat := stats.DefaultStatsReceiver()
	d := NewDriver(config, cc.NewIdNodes(1), nil, transport, nil, stat)

	b, err := d.Submit(testHeader("flaky"), testDefs("x"))
	require.NoError(t, err)
	j, _ := d.Queue().Get("flaky")
	rec := &jobRecorder{}
	j.AddListener(rec)

	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("connection refused")).Times(config.DispatchRetries + 1)
	d.Step(context.Background())

	assert.Equal(t, 1, j.PendingTaskCount())
	assert.Equal(t, 0, j.NbChannels())
	assert.Equal(t, domain.SubmissionFailed, j.SubmissionStatus())
	assert.Equal(t, domain.Pending, b.Tasks()[0].State())
	assert.False(t, b.IsDone())
	assert.Equal(t, []string{"flaky"}, readyUUIDs(d.Queue()))
	assert.Equal(t, int64(1), stat.Snapshot()[stats.DriverDispatchErrCounter])
	assert.Equal(t, 1, d.cluster.nodes["node1"].errors)
	assert.Equal(t, 0, d.cluster.nodes["node1"].dispatches)
	assert.Equal(t, []domain.JobReturnReason{domain.DispatchFailed}, rec.reasons)
}

func Test_Driver_MaxNodes(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	d := NewDriver(DriverConfig{BundleSize: 1}, cc.NewIdNodes(3), nil, transport, nil, nil)

	h := testHeader("limited")
	h.SLA.MaxNodes = 2
	_, err := d.Submit(h, testDefsN("t", 6))
	require.NoError(t, err)

	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(NewMockFuture(mockCtrl), nil).Times(2)
	d.Step(context.Background())

	j, _ := d.Queue().Get("limited")
	assert.Equal(t, 2, j.NbChannels())
	assert.Equal(t, 4, j.PendingTaskCount())
	assert.Len(t, d.cluster.idleNodes(), 1)
}

func Test_Driver_Suspend(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	d := NewDriver(DriverConfig{}, cc.NewIdNodes(1), nil, transport, nil, nil)

	h := testHeader("paused")
	h.SLA.Suspended = true
	_, err := d.Submit(h, testDefs("x"))
	require.NoError(t, err)

	d.Step(context.Background())
	require.NoError(t, d.Suspend("paused", false))

	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(NewMockFuture(mockCtrl), nil).Times(1)
	d.Step(context.Background())
	assert.Error(t, d.Suspend("missing", true))
}

func Test_Driver_DispatchTimeout(t *testing.T) {
	now := time.Now()
	stats.Time = stats.NewTestTime(now, 0)
	defer func() { stats.Time = stats.DefaultStatsTime() }()

	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	transport := NewMockTransport(mockCtrl)
	d := NewDriver(DriverConfig{DispatchTimeout: time.Minute}, cc.NewIdNodes(1), nil, transport, nil, nil)

	b, err := d.Submit(testHeader("slow"), testDefs("x"))
	require.NoError(t, err)

	var dispatched []*NodeBundle
	futures := []*MockFuture{NewMockFuture(mockCtrl), NewMockFuture(mockCtrl)}
	for _, f := range futures {
		f.EXPECT().IsDone().Return(false).Times(1)
		f.EXPECT().Cancel(true).Return(true).Times(1)
	}
	transport.EXPECT().Dispatch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, nb *NodeBundle, node cc.Node) (Future, error) {
			dispatched = append(dispatched, nb)
			return futures[len(dispatched)-1], nil
		}).Times(2)

	d.Step(context.Background())
	require.Len(t, dispatched, 1)

	// First timeout: the task goes back to the pool.
	stats.Time = stats.NewTestTime(now.Add(2*time.Minute), 0)
	d.Step(context.Background())
	assert.True(t, dispatched[0].IsExpired())
	assert.Equal(t, domain.TimeoutResubmit, dispatched[0].Tasks()[0].State())
	require.NoError(t, dispatched[0].ExceptionReceived(ErrDispatchCancelled))
	assert.Equal(t, domain.DispatchExpired, dispatched[0].ReturnReason())
	assert.Equal(t, 0, d.cluster.nodes["node1"].errors)

	d.Step(context.Background())
	require.Len(t, dispatched, 2)

	// Second timeout exceeds MaxDispatchExpirations.
	stats.Time = stats.NewTestTime(now.Add(4*time.Minute), 0)
	d.Step(context.Background())
	require.NoError(t, dispatched[1].ExceptionReceived(ErrDispatchCancelled))

	assert.True(t, b.IsDone())
	task := b.Tasks()[0]
	assert.Equal(t, domain.TimeoutCancelled, task.State())
	assert.Equal(t, []byte("x"), task.Result())
	assert.Equal(t, 2, task.Expirations())
	assert.Equal(t, 0, d.Queue().Len())
}

func Test_Driver_Broadcast(t *testing.T) {
	var mu sync.Mutex
	ran := map[cc.NodeId]int{}
	transport := NewLoopbackTransport(func(_ context.Context, node cc.Node, payload []byte) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		ran[node.Id()]++
		return []byte("done"), nil
	})
	d := NewDriver(DriverConfig{StepInterval: 10 * time.Millisecond}, cc.NewIdNodes(3), nil, transport, nil, nil)
	stop := runDriver(d)
	defer stop()

	h := testHeader("everywhere")
	h.SLA.Broadcast = true
	b, err := d.Submit(h, testDefs("setup"))
	require.NoError(t, err)
	waitBundle(t, b)
	transport.Wait()

	mu.Lock()
	assert.Equal(t, map[cc.NodeId]int{"node1": 1, "node2": 1, "node3": 1}, ran)
	mu.Unlock()
	assert.Equal(t, domain.Result, b.Tasks()[0].State())
	assert.Equal(t, []byte("setup"), b.Tasks()[0].Result())
}

func Test_Driver_CancelInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	transport := NewLoopbackTransport(func(ctx context.Context, _ cc.Node, _ []byte) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := NewDriver(DriverConfig{}, cc.NewIdNodes(1), nil, transport, nil, nil)

	b, err := d.Submit(testHeader("doomed"), testDefs("a", "b"))
	require.NoError(t, err)
	d.Step(context.Background())
	<-started

	assert.True(t, d.Cancel("doomed"))
	waitBundle(t, b)
	transport.Wait()
	for _, task := range b.Tasks() {
		assert.Equal(t, domain.Cancelled, task.State())
		assert.Equal(t, task.Payload(), task.Result())
	}
	assert.False(t, d.Cancel("doomed"))
}

func Test_Driver_NodeUpdates(t *testing.T) {
	updates := make(chan []cc.NodeUpdate, 1)
	transport := NewLoopbackTransport(nil)
	d := NewDriver(DriverConfig{StepInterval: 10 * time.Millisecond}, nil, updates, transport, nil, nil)

	b, err := d.Submit(testHeader("waiting"), testDefs("x"))
	require.NoError(t, err)
	d.Step(context.Background())
	assert.False(t, b.IsDone())

	updates <- []cc.NodeUpdate{cc.NewAdd(cc.NewIdNode("late-node"))}
	stop := runDriver(d)
	defer stop()
	waitBundle(t, b)
	transport.Wait()
}

func Test_Driver_RunStopsOnCancel(t *testing.T) {
	d := NewDriver(DriverConfig{StepInterval: time.Millisecond}, nil, nil, NewLoopbackTransport(nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	cancel()
	assert.Equal(t, context.Canceled, <-errCh)
}
