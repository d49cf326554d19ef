package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	cc "github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/policy"
	"github.com/twitter/gridsched/scheduler/domain"
)

const (
	DefaultBundleSize            = 5
	DefaultStepInterval          = 250 * time.Millisecond
	DefaultDispatchRetries       = 3
	DefaultDispatchRetryInterval = 100 * time.Millisecond
)

// DriverConfig tunes the dispatch loop.
//
// BundleSize - number of tasks carved per node bundle.
//
// MaxDispatchesPerSecond - throttle on node bundles handed to the
// transport, unlimited when zero.
//
// DispatchRetries, DispatchRetryInterval - how often and how fast a failed
// transport dispatch is retried before the bundle is handed back.
//
// DispatchTimeout - in flight bundles older than this are expired, never
// when zero.
//
// StepInterval - time between two steps of Run.
//
// MaxNodeErrors, MaxFlakyDuration, MaxLostDuration - node health: failures
// in a row before a node is suspended as flaky, how long it stays out, and
// how long a removed node is remembered.
type DriverConfig struct {
	BundleSize             int
	MaxDispatchesPerSecond float64
	DispatchRetries        int
	DispatchRetryInterval  time.Duration
	DispatchTimeout        time.Duration
	StepInterval           time.Duration
	MaxNodeErrors          int
	MaxFlakyDuration       time.Duration
	MaxLostDuration        time.Duration
}

func (c DriverConfig) String() string {
	return fmt.Sprintf("DriverConfig: BundleSize: %d, MaxDispatchesPerSecond: %g, DispatchRetries: %d, DispatchRetryInterval: %s, "+
		"DispatchTimeout: %s, StepInterval: %s, MaxNodeErrors: %d, MaxFlakyDuration: %s, MaxLostDuration: %s",
		c.BundleSize, c.MaxDispatchesPerSecond, c.DispatchRetries, c.DispatchRetryInterval,
		c.DispatchTimeout, c.StepInterval, c.MaxNodeErrors, c.MaxFlakyDuration, c.MaxLostDuration)
}

func (c *DriverConfig) applyDefaults() {
	if c.BundleSize <= 0 {
		c.BundleSize = DefaultBundleSize
	}
	if c.DispatchRetries < 0 {
		c.DispatchRetries = 0
	}
	if c.DispatchRetryInterval <= 0 {
		c.DispatchRetryInterval = DefaultDispatchRetryInterval
	}
	if c.StepInterval <= 0 {
		c.StepInterval = DefaultStepInterval
	}
	if c.MaxNodeErrors <= 0 {
		c.MaxNodeErrors = defaultMaxNodeErrors
	}
	if c.MaxFlakyDuration <= 0 {
		c.MaxFlakyDuration = defaultMaxFlakyDuration
	}
	if c.MaxLostDuration <= 0 {
		c.MaxLostDuration = defaultMaxLostDuration
	}
}

// Driver matches queued jobs with idle nodes. Each Step carves node bundles
// from ready jobs, in queue order, and hands them to the transport for the
// nodes their execution policy accepts, best ranked first.
//
// Step is not safe for concurrent use; everything else is.
type Driver struct {
	config    DriverConfig
	queue     *JobQueue
	cluster   *clusterState
	transport Transport
	limiter   *rate.Limiter
	stat      stats.StatsReceiver
	wakeCh    chan struct{}
}

// NewDriver creates a driver over the initial nodes, kept up to date from
// updates (which may be nil).
func NewDriver(
	config DriverConfig,
	initial []cc.Node,
	updates <-chan []cc.NodeUpdate,
	transport Transport,
	cache *policy.Cache,
	stat stats.StatsReceiver,
) *Driver {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	config.applyDefaults()
	cs := newClusterState(initial, updates, stat)
	cs.maxNodeErrors = config.MaxNodeErrors
	cs.maxFlakyDuration = config.MaxFlakyDuration
	cs.maxLostDuration = config.MaxLostDuration

	d := &Driver{
		config:    config,
		queue:     NewJobQueue(cache, stat, cs),
		cluster:   cs,
		transport: transport,
		stat:      stat,
		wakeCh:    make(chan struct{}, 1),
	}
	if config.MaxDispatchesPerSecond > 0 {
		burst := int(config.MaxDispatchesPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(config.MaxDispatchesPerSecond), burst)
	}
	d.queue.AddListener(d)
	log.Infof("Created driver: %s", config)
	return d
}

func (d *Driver) Queue() *JobQueue { return d.queue }

// Submit queues a client bundle, see JobQueue.Submit.
func (d *Driver) Submit(header *domain.JobHeader, tasks []domain.TaskDefinition) (*ClientBundle, error) {
	b, err := d.queue.Submit(header, tasks)
	if err == nil {
		d.wake()
	}
	return b, err
}

// Cancel cancels the job with the given uuid.
func (d *Driver) Cancel(uuid string) bool {
	return d.queue.Cancel(uuid)
}

// Update replaces the SLA and metadata of a job.
func (d *Driver) Update(uuid string, sla domain.JobSLA, metadata domain.JobMetadata) error {
	return d.queue.Update(uuid, sla, metadata)
}

// Suspend stops or resumes dispatching a job.
func (d *Driver) Suspend(uuid string, suspended bool) error {
	return d.queue.Suspend(uuid, suspended)
}

// CountNodesMatching counts the healthy nodes p accepts.
func (d *Driver) CountNodesMatching(p policy.Policy) int {
	return d.cluster.CountNodesMatching(p)
}

// Run steps until ctx is done, every StepInterval or sooner when jobs or
// nodes change.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.StepInterval)
	defer ticker.Stop()
	for {
		d.Step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wakeCh:
		}
	}
}

func (d *Driver) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Step runs one scheduling round.
func (d *Driver) Step(ctx context.Context) {
	defer d.stat.Latency(stats.DriverStepLatency_ms).Time().Stop()

	d.cluster.updateCluster()
	now := stats.Time.Now()
	d.queue.Expire(now)
	d.expireDispatches(now)

	idle := d.cluster.idleNodes()
	for _, j := range d.queue.Ready() {
		if len(idle) == 0 || ctx.Err() != nil {
			return
		}
		if j.IsSuspended() || j.IsCancelled() || j.IsDone() {
			continue
		}
		if j.IsBroadcast() && j.Parent() == nil {
			d.fanOut(j)
			continue
		}
		idle = d.schedule(ctx, j, idle)
		d.queue.release(j)
	}
}

// schedule dispatches bundles of j to the nodes of idle it accepts and
// returns the nodes left idle.
func (d *Driver) schedule(ctx context.Context, j *ServerJob, idle []cc.Node) []cc.Node {
	p := j.Policy()
	policy.AttachContext(p, j.PolicyContext(d.stat, d.cluster))
	candidates := d.eligible(j, p, idle)
	if len(candidates) == 0 {
		return idle
	}

	maxNodes := j.SLA().MaxNodes
	channels := j.NbChannels()
	used := map[cc.NodeId]bool{}
	for _, node := range candidates {
		if maxNodes > 0 && channels >= maxNodes {
			break
		}
		if j.PendingTaskCount() == 0 {
			break
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				break
			}
		}
		nb := j.Carve(d.config.BundleSize)
		if nb.TaskCount() == 0 {
			break
		}
		d.dispatch(ctx, j, nb, node)
		used[node.Id()] = true
		channels++
	}

	remaining := idle[:0:0]
	for _, n := range idle {
		if !used[n.Id()] {
			remaining = append(remaining, n)
		}
	}
	return remaining
}

// eligible returns the nodes of idle accepted by p, best ranked first.
// Broadcast children only ever run on their own node.
func (d *Driver) eligible(j *ServerJob, p policy.Policy, idle []cc.Node) []cc.Node {
	if j.Parent() != nil {
		for _, n := range idle {
			if string(n.Id()) == j.BroadcastNode() {
				return []cc.Node{n}
			}
		}
		return nil
	}

	type ranked struct {
		node cc.Node
		rank int
	}
	var accepted []ranked
	for _, n := range idle {
		d.stat.Counter(stats.PolicyEvaluationsCounter).Inc(1)
		rank := policy.Rank(p, n.Properties())
		if rank < 0 {
			d.stat.Counter(stats.PolicyRejectionsCounter).Inc(1)
			continue
		}
		accepted = append(accepted, ranked{n, rank})
	}
	sort.SliceStable(accepted, func(a, b int) bool { return accepted[a].rank < accepted[b].rank })
	out := make([]cc.Node, len(accepted))
	for i, r := range accepted {
		out[i] = r.node
	}
	return out
}

// fanOut creates the per node jobs of a broadcast job, one for each healthy
// node its policy accepts.
func (d *Driver) fanOut(j *ServerJob) {
	p := j.Policy()
	policy.AttachContext(p, j.PolicyContext(d.stat, d.cluster))
	var ids []string
	for _, n := range d.cluster.healthyNodes() {
		if p == nil || p.Evaluate(n.Properties()) {
			ids = append(ids, string(n.Id()))
		}
	}
	if children := j.CreateBroadcastJobs(ids); len(children) > 0 {
		d.queue.addChildren(children)
		d.wake()
	}
	d.queue.release(j)
}

// dispatch records nb as in flight on node and hands it to the transport,
// retrying failed attempts. A bundle the transport refused is returned to
// its job with the error, which puts its tasks back in the pending pool.
func (d *Driver) dispatch(ctx context.Context, j *ServerJob, nb *NodeBundle, node cc.Node) {
	j.Dispatched(nb, string(node.Id()))
	d.stat.Counter(stats.DriverDispatchCounter).Inc(1)
	d.stat.Counter(stats.DriverTasksDispatchedCounter).Inc(int64(nb.TaskCount()))

	var f Future
	try := 1
	b := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(d.config.DispatchRetryInterval), uint64(d.config.DispatchRetries)), ctx)
	err := backoff.Retry(func() error {
		log.Debugf("Dispatch %s to %s, try #%d", nb.Key(), node.Id(), try)
		try++
		var err error
		f, err = d.transport.Dispatch(ctx, nb, node)
		return err
	}, b)
	if err != nil {
		d.stat.Counter(stats.DriverDispatchErrCounter).Inc(1)
		log.WithFields(log.Fields{
			"jobUUID": nb.Header().UUID,
			"bundle":  nb.Key(),
			"node":    node.Id(),
			"tries":   try - 1,
			"err":     err,
		}).Error("dispatch failed")
		nb.Resubmit()
		nb.dispatchFailed(err)
		return
	}
	nb.SetFuture(f)
}

// expireDispatches expires the bundles in flight for longer than
// DispatchTimeout and cancels their future.
func (d *Driver) expireDispatches(now time.Time) {
	if d.config.DispatchTimeout <= 0 {
		return
	}
	for _, j := range d.queue.Jobs() {
		for _, nb := range j.InFlight() {
			start := nb.DispatchStart()
			if start.IsZero() || now.Sub(start) < d.config.DispatchTimeout || nb.IsExpired() || nb.Header().SLA.Broadcast {
				continue
			}
			log.WithFields(log.Fields{
				"jobUUID": nb.Header().UUID,
				"bundle":  nb.Key(),
				"node":    nb.Node(),
			}).Info("dispatch expired")
			nb.Expire()
			if f := nb.Future(); f != nil && !f.IsDone() {
				f.Cancel(true)
			}
		}
	}
}

func (d *Driver) JobDispatched(j *ServerJob, nb *NodeBundle, node string) {
	d.cluster.bundleDispatched(cc.NodeId(node))
}

// JobReturned frees the node. Bundles the node failed, or the transport
// could not hand to it, count against the node's health.
func (d *Driver) JobReturned(j *ServerJob, nb *NodeBundle, node string) {
	d.stat.Counter(stats.DriverBundlesReturnedCounter).Inc(1)
	reason := nb.ReturnReason()
	d.cluster.bundleReturned(cc.NodeId(node), reason == domain.ExceptionReceived || reason == domain.DispatchFailed)
	d.wake()
}

func (d *Driver) JobUpdated(j *ServerJob) {
	d.wake()
}

func (d *Driver) JobEnded(j *ServerJob) {}
