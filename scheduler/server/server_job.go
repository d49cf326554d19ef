package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/policy"
	"github.com/twitter/gridsched/scheduler/domain"
)

// ErrJobEnded is returned when a client bundle is added to a job that
// already reached ENDED. It means the caller raced with job completion.
var ErrJobEnded = errors.New("job has ended")

// JobListener is notified of job lifecycle events. Notifications are sent
// without any job lock held.
type JobListener interface {
	JobDispatched(j *ServerJob, nb *NodeBundle, node string)
	JobReturned(j *ServerJob, nb *NodeBundle, node string)
	JobUpdated(j *ServerJob)
	JobEnded(j *ServerJob)
}

// NopJobListener can be embedded by listeners only interested in some events.
type NopJobListener struct{}

func (NopJobListener) JobDispatched(*ServerJob, *NodeBundle, string) {}
func (NopJobListener) JobReturned(*ServerJob, *NodeBundle, string)   {}
func (NopJobListener) JobUpdated(*ServerJob)                         {}
func (NopJobListener) JobEnded(*ServerJob)                           {}

// DoneFunc runs once a job ENDED. late holds the client bundles added after
// the job completed, which belong to a new job.
type DoneFunc func(j *ServerJob, late []*ClientBundle)

var jobCount int64

// ServerJob is the driver side state of a job: the pool of tasks waiting
// for a node, the client bundles they came from and the node bundles in
// flight.
//
// mu guards the pool, the bundles and every status. dispatchMu guards the
// dispatch set and broadcast children, which the transport's completion path
// touches concurrently with cancellation. When both are needed mu is taken
// first. Callbacks run with neither held.
type ServerJob struct {
	id int64

	mu                sync.Mutex
	header            *domain.JobHeader
	policy            policy.Policy
	status            domain.JobStatus
	submission        domain.SubmissionStatus
	cancelled         bool
	expired           bool
	fannedOut         bool
	pool              []*ServerTask
	taskCount         int
	clientBundles     []*ClientBundle
	completionBundles []*ClientBundle
	onRequeue         func()
	onDone            []DoneFunc
	listeners         []JobListener

	dispatchMu      sync.Mutex
	dispatchSet     map[int64]*NodeBundle
	nodeDispatches  map[string]int
	totalDispatches int
	children        map[string]*ServerJob

	parent        *ServerJob
	broadcastNode string
}

// NewServerJob creates a job from its first client bundles. p may be nil,
// in which case every node is eligible.
func NewServerJob(header *domain.JobHeader, p policy.Policy, bundles ...*ClientBundle) *ServerJob {
	j := &ServerJob{
		id:             atomic.AddInt64(&jobCount, 1),
		header:         header.Copy(),
		policy:         p,
		status:         domain.New,
		submission:     domain.Submitted,
		dispatchSet:    map[int64]*NodeBundle{},
		nodeDispatches: map[string]int{},
		children:       map[string]*ServerJob{},
	}
	j.header.TaskCount = 0
	j.header.InitialTaskCount = 0
	for _, b := range bundles {
		j.header.InitialTaskCount += b.TaskCount()
		if err := j.AddBundle(b); err != nil {
			log.WithFields(log.Fields{"jobUUID": j.header.UUID, "err": err}).Error("adding bundle to new job")
		}
	}
	return j
}

func (j *ServerJob) ID() int64 { return j.id }

func (j *ServerJob) UUID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.UUID
}

func (j *ServerJob) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.Name
}

// Header returns a copy of the job header.
func (j *ServerJob) Header() *domain.JobHeader {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.Copy()
}

func (j *ServerJob) SLA() domain.JobSLA {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.SLA
}

func (j *ServerJob) Policy() policy.Policy {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.policy
}

func (j *ServerJob) Status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *ServerJob) SubmissionStatus() domain.SubmissionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.submission
}

// SetSubmissionStatus is used by the queue to report the job as pending.
func (j *ServerJob) SetSubmissionStatus(s domain.SubmissionStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submission = s
}

// IsCancelled reports whether Cancel succeeded on this job.
func (j *ServerJob) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// IsDone reports whether the job reached COMPLETE.
func (j *ServerJob) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status >= domain.Complete
}

func (j *ServerJob) IsExpired() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expired
}

func (j *ServerJob) IsSuspended() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.SLA.Suspended
}

func (j *ServerJob) IsBroadcast() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.SLA.Broadcast
}

// Parent returns the broadcast job this job was fanned out from, or nil.
func (j *ServerJob) Parent() *ServerJob { return j.parent }

// BroadcastNode is the node a broadcast child job runs on.
func (j *ServerJob) BroadcastNode() string { return j.broadcastNode }

// FannedOut reports whether a broadcast job created its per node jobs.
func (j *ServerJob) FannedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fannedOut
}

// PendingTaskCount is the number of tasks waiting for a dispatch.
func (j *ServerJob) PendingTaskCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pool)
}

func (j *ServerJob) ClientBundles() []*ClientBundle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*ClientBundle(nil), j.clientBundles...)
}

// NbChannels is the number of node bundles in flight.
func (j *ServerJob) NbChannels() int {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()
	return len(j.dispatchSet)
}

// InFlight returns the node bundles dispatched and not yet returned.
func (j *ServerJob) InFlight() []*NodeBundle {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()
	out := make([]*NodeBundle, 0, len(j.dispatchSet))
	for _, nb := range j.dispatchSet {
		out = append(out, nb)
	}
	return out
}

// DispatchesOn is the number of node bundles in flight on node.
func (j *ServerJob) DispatchesOn(node string) int {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()
	return j.nodeDispatches[node]
}

// TotalDispatches counts every dispatch since the job was created.
func (j *ServerJob) TotalDispatches() int {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()
	return j.totalDispatches
}

// Children returns the per node jobs of a broadcast job that did not end.
func (j *ServerJob) Children() []*ServerJob {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()
	out := make([]*ServerJob, 0, len(j.children))
	for _, c := range j.children {
		out = append(out, c)
	}
	return out
}

func (j *ServerJob) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return fmt.Sprintf("ServerJob{id:%d, %s, status:%v, submission:%v, pending:%d, bundles:%d}",
		j.id, j.header, j.status, j.submission, len(j.pool), len(j.clientBundles))
}

// PolicyContext describes the job to its execution policy.
func (j *ServerJob) PolicyContext(stat stats.StatsReceiver, nodes policy.NodeCounter) *policy.Context {
	j.mu.Lock()
	sla, clientSLA, md := j.header.SLA, j.header.ClientSLA, j.header.Metadata.Copy()
	j.mu.Unlock()
	return &policy.Context{
		JobSLA:       sla,
		JobClientSLA: clientSLA,
		JobMetadata:  md,
		Dispatches:   j.TotalDispatches(),
		Stats:        stat,
		Nodes:        nodes,
	}
}

func (j *ServerJob) AddListener(l JobListener) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners = append(j.listeners, l)
}

// SetOnRequeue registers the function called when the pending pool goes
// from empty to non empty. Broadcast jobs are never requeued.
func (j *ServerJob) SetOnRequeue(f func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.header.SLA.Broadcast {
		return
	}
	j.onRequeue = f
}

// OnDone registers f to run once the job ENDED.
func (j *ServerJob) OnDone(f DoneFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onDone = append(j.onDone, f)
}

// AddBundle merges the tasks of b into the pending pool. A job that
// completed keeps b aside for the job that will follow it, and a job that
// ended rejects it with ErrJobEnded.
func (j *ServerJob) AddBundle(b *ClientBundle) error {
	j.mu.Lock()
	switch {
	case j.status == domain.Ended:
		j.mu.Unlock()
		return ErrJobEnded
	case j.status == domain.Complete || j.fannedOut:
		j.completionBundles = append(j.completionBundles, b)
		j.mu.Unlock()
		return nil
	}

	b.setJob(j)
	for _, t := range b.tasks {
		t.jobPosition = j.taskCount + t.position
	}
	j.taskCount += len(b.tasks)
	j.clientBundles = append(j.clientBundles, b)

	var cancelled []*ServerTask
	requeue := false
	if j.cancelled || b.IsCancelled() {
		for _, t := range b.tasks {
			t.cancel()
		}
		cancelled = b.tasks
	} else {
		requeue = j.mergeLocked(b.tasks, true)
	}
	onRequeue := j.onRequeue
	j.mu.Unlock()

	if len(cancelled) > 0 {
		b.resultsReceived(cancelled)
		j.taskCompleted(false, nil)
	}
	if requeue && onRequeue != nil {
		onRequeue()
	}
	return nil
}

// mergeLocked adds tasks to the pool and reports whether the pool went from
// empty to non empty.
func (j *ServerJob) mergeLocked(tasks []*ServerTask, after bool) bool {
	wasEmpty := len(j.pool) == 0
	if after {
		j.pool = append(j.pool, tasks...)
	} else {
		j.pool = append(append([]*ServerTask(nil), tasks...), j.pool...)
	}
	j.header.TaskCount = len(j.pool)
	return wasEmpty && len(j.pool) > 0
}

// drainPoolLocked cancels every task left in the pool and returns them.
func (j *ServerJob) drainPoolLocked() []*ServerTask {
	drained := j.pool
	j.pool = nil
	j.header.TaskCount = 0
	for _, t := range drained {
		t.cancel()
	}
	return drained
}

// Carve removes up to n tasks from the front of the pool and wraps them in a
// node bundle. An empty pool yields an empty bundle.
func (j *ServerJob) Carve(n int) *NodeBundle {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(j.pool) {
		n = len(j.pool)
	}
	tasks := append([]*ServerTask(nil), j.pool[:n]...)
	j.pool = append([]*ServerTask(nil), j.pool[n:]...)
	j.header.TaskCount = len(j.pool)
	return newNodeBundle(j, j.header, tasks)
}

// Dispatched records nb as in flight on node. It must be called before the
// transport is given the bundle so that a fast return finds it.
func (j *ServerJob) Dispatched(nb *NodeBundle, node string) {
	nb.dispatched(node)
	j.dispatchMu.Lock()
	empty := len(j.dispatchSet) == 0
	j.dispatchSet[nb.id] = nb
	j.nodeDispatches[node]++
	j.totalDispatches++
	j.dispatchMu.Unlock()

	if empty {
		j.mu.Lock()
		j.setStatusLocked(domain.Executing)
		if j.submission < domain.SubmissionComplete {
			j.submission = domain.SubmissionExecuting
		}
		j.mu.Unlock()
	}
	if j.parent != nil {
		j.parent.broadcastDispatched(j)
	}
	for _, l := range j.getListeners() {
		l.JobDispatched(j, nb, node)
	}
}

// bundleReturned routes the tasks of a returned node bundle: resolved tasks
// go back to their client bundles, resubmitted ones to the front of the pool.
func (j *ServerJob) bundleReturned(nb *NodeBundle, failure error) {
	node := nb.Node()
	j.dispatchMu.Lock()
	if _, ok := j.dispatchSet[nb.id]; ok {
		delete(j.dispatchSet, nb.id)
		if j.nodeDispatches[node]--; j.nodeDispatches[node] <= 0 {
			delete(j.nodeDispatches, node)
		}
	}
	j.dispatchMu.Unlock()

	var deliver, resubmit []*ServerTask
	j.mu.Lock()
	cancelled := j.cancelled || nb.IsCancelled()
	for _, t := range nb.tasks {
		switch {
		case t.State().Final():
		case cancelled || t.bundle.IsCancelled():
			t.cancel()
		case t.reset():
			resubmit = append(resubmit, t)
			continue
		}
		deliver = append(deliver, t)
	}
	if cancelled {
		deliver = append(deliver, j.drainPoolLocked()...)
	}
	requeue := j.mergeLocked(resubmit, false)
	j.mu.Unlock()

	log.WithFields(log.Fields{
		"jobUUID":   nb.header.UUID,
		"bundle":    nb.id,
		"node":      node,
		"reason":    nb.ReturnReason(),
		"delivered": len(deliver),
		"requeued":  len(resubmit),
	}).Debug("node bundle returned")
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(nb.Dump())
	}

	deliverResults(deliver)
	for _, l := range j.getListeners() {
		l.JobReturned(j, nb, node)
	}
	j.taskCompleted(requeue, failure)
}

// deliverResults hands each task to its client bundle, one call per bundle.
func deliverResults(tasks []*ServerTask) {
	if len(tasks) == 0 {
		return
	}
	var order []*ClientBundle
	byBundle := map[*ClientBundle][]*ServerTask{}
	for _, t := range tasks {
		if _, ok := byBundle[t.bundle]; !ok {
			order = append(order, t.bundle)
		}
		byBundle[t.bundle] = append(byBundle[t.bundle], t)
	}
	for _, b := range order {
		b.resultsReceived(byBundle[b])
	}
}

// taskCompleted decides, after a change in the job's tasks, whether the job
// has pending work (requeueing it if the pool just refilled) or completed.
func (j *ServerJob) taskCompleted(requeue bool, failure error) {
	j.mu.Lock()
	if j.status >= domain.Complete {
		j.mu.Unlock()
		return
	}
	if j.hasPendingLocked() {
		if failure != nil {
			j.submission = domain.SubmissionFailed
		}
		onRequeue := j.onRequeue
		j.mu.Unlock()
		if requeue && onRequeue != nil {
			onRequeue()
		}
		return
	}
	j.status = domain.Complete
	j.submission = domain.SubmissionComplete
	bundles := j.clientBundles
	j.clientBundles = nil
	j.mu.Unlock()

	for _, b := range bundles {
		b.bundleEnded()
	}
	j.end()
}

func (j *ServerJob) hasPendingLocked() bool {
	if len(j.pool) > 0 {
		return true
	}
	j.dispatchMu.Lock()
	inFlight := len(j.dispatchSet) + len(j.children)
	j.dispatchMu.Unlock()
	if inFlight > 0 {
		return true
	}
	for _, b := range j.clientBundles {
		if b.PendingCount() > 0 {
			return true
		}
	}
	return false
}

func (j *ServerJob) end() {
	j.mu.Lock()
	j.status = domain.Ended
	j.submission = domain.SubmissionEnded
	late := j.completionBundles
	j.completionBundles = nil
	callbacks := j.onDone
	j.mu.Unlock()

	log.WithFields(log.Fields{
		"jobUUID": j.UUID(),
		"job":     j.id,
		"late":    len(late),
	}).Info("job ended")

	for _, l := range j.getListeners() {
		l.JobEnded(j)
	}
	if len(callbacks) == 0 && len(late) > 0 {
		log.WithFields(log.Fields{"jobUUID": j.UUID(), "late": len(late)}).Warn("no queue to take late bundles, cancelling them")
		for _, b := range late {
			b.Cancel()
		}
	}
	for _, f := range callbacks {
		f(j, late)
	}
	if j.parent != nil {
		j.parent.broadcastCompleted(j)
	}
}

func (j *ServerJob) setStatusLocked(s domain.JobStatus) {
	if s > j.status {
		j.status = s
	}
}

func (j *ServerJob) getListeners() []JobListener {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JobListener(nil), j.listeners...)
}

// Cancel cancels the job: in flight dispatches are asked to stop and
// returned right away, unresolved tasks resolve as cancelled with their
// original data and broadcast children are cancelled. Cancelling a cancelled or completed job returns
// false and does nothing.
func (j *ServerJob) Cancel() bool {
	j.mu.Lock()
	if j.cancelled || j.status >= domain.Complete {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	j.setStatusLocked(domain.JobCancelled)
	uuid := j.header.UUID
	j.mu.Unlock()

	j.dispatchMu.Lock()
	bundles := make([]*NodeBundle, 0, len(j.dispatchSet))
	for _, nb := range j.dispatchSet {
		bundles = append(bundles, nb)
	}
	children := make([]*ServerJob, 0, len(j.children))
	for _, c := range j.children {
		children = append(children, c)
	}
	j.dispatchMu.Unlock()

	log.WithFields(log.Fields{
		"jobUUID":  uuid,
		"inFlight": len(bundles),
		"children": len(children),
	}).Info("cancelling job")

	for _, c := range children {
		c.Cancel()
	}
	for _, nb := range bundles {
		nb.Cancel()
		if f := nb.Future(); f != nil && !f.IsDone() {
			f.Cancel(false)
		}
		nb.returnCancelled()
	}

	j.mu.Lock()
	drained := j.drainPoolLocked()
	j.mu.Unlock()
	deliverResults(drained)
	j.taskCompleted(false, nil)
	return true
}

// Expire cancels a job whose SLA expiration time passed.
func (j *ServerJob) Expire() bool {
	j.mu.Lock()
	j.expired = true
	j.mu.Unlock()
	return j.Cancel()
}

// cancelBundle cancels the tasks of b still waiting in the pool.
func (j *ServerJob) cancelBundle(b *ClientBundle) {
	j.mu.Lock()
	var cancelled []*ServerTask
	kept := j.pool[:0:0]
	for _, t := range j.pool {
		if t.bundle == b {
			t.cancel()
			cancelled = append(cancelled, t)
		} else {
			kept = append(kept, t)
		}
	}
	j.pool = kept
	j.header.TaskCount = len(j.pool)
	j.mu.Unlock()

	b.resultsReceived(cancelled)
	j.taskCompleted(false, nil)
}

// Update replaces the SLA, metadata and policy of a job that did not
// complete. The broadcast flag cannot change.
func (j *ServerJob) Update(sla domain.JobSLA, metadata domain.JobMetadata, p policy.Policy) bool {
	j.mu.Lock()
	if j.status >= domain.Complete {
		j.mu.Unlock()
		return false
	}
	sla.Broadcast = j.header.SLA.Broadcast
	j.header.SLA = sla
	if metadata != nil {
		j.header.Metadata = metadata.Copy()
	}
	j.policy = p
	j.mu.Unlock()
	j.fireUpdated()
	return true
}

// SetSuspended stops or resumes new dispatches of the job.
func (j *ServerJob) SetSuspended(suspended bool) {
	j.mu.Lock()
	changed := j.header.SLA.Suspended != suspended
	j.header.SLA.Suspended = suspended
	j.mu.Unlock()
	if changed {
		j.fireUpdated()
	}
}

func (j *ServerJob) SetMaxNodes(n int) {
	j.mu.Lock()
	changed := j.header.SLA.MaxNodes != n
	j.header.SLA.MaxNodes = n
	j.mu.Unlock()
	if changed {
		j.fireUpdated()
	}
}

func (j *ServerJob) fireUpdated() {
	for _, l := range j.getListeners() {
		l.JobUpdated(j)
	}
}
