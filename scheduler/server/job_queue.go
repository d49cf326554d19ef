package server

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/policy"
	"github.com/twitter/gridsched/scheduler/domain"
)

// ErrUnknownJob is returned for operations naming a job the queue does not hold.
var ErrUnknownJob = errors.New("unknown job")

type queueItem struct {
	job   *ServerJob
	seq   int64
	index int // in the ready heap, -1 when not ready
}

// readyHeap orders jobs by SLA priority, highest first, then by admission order.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].job.SLA().Priority, h[j].job.SLA().Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(el interface{}) {
	item := el.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// JobQueue holds the jobs known to the driver. Jobs with tasks waiting for a
// dispatch sit in a ready heap; a job leaves it when the driver carved its
// last pending task and comes back through its requeue callback.
//
// Lock order is the queue before a job, never the reverse.
type JobQueue struct {
	mu     sync.Mutex
	cache  *policy.Cache
	stat   stats.StatsReceiver
	nodes  policy.NodeCounter
	byUUID map[string]*ServerJob
	items  map[int64]*queueItem
	ready  readyHeap
	seq    int64

	listeners []JobListener
}

// NewJobQueue creates a queue building job policies through cache. nodes
// answers NodesMatching rules and may be nil outside the driver.
func NewJobQueue(cache *policy.Cache, stat stats.StatsReceiver, nodes policy.NodeCounter) *JobQueue {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if cache == nil {
		var err error
		if cache, err = policy.NewCache(0, nil, stat); err != nil {
			panic(err)
		}
	}
	return &JobQueue{
		cache:  cache,
		stat:   stat,
		nodes:  nodes,
		byUUID: map[string]*ServerJob{},
		items:  map[int64]*queueItem{},
	}
}

// AddListener registers l on every job admitted from now on.
func (q *JobQueue) AddListener(l JobListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Submit adds a client bundle to the job named by header.UUID, creating the
// job if needed. An empty UUID gets a generated one.
func (q *JobQueue) Submit(header *domain.JobHeader, tasks []domain.TaskDefinition) (*ClientBundle, error) {
	if err := domain.ValidateSubmission(header, tasks); err != nil {
		return nil, err
	}
	h := header.Copy()
	if h.UUID == "" {
		h.UUID = common.GenUUID()
	}
	b := NewClientBundle(h, tasks)
	q.stat.Counter(stats.DriverBundlesSubmittedCounter).Inc(1)
	q.stat.Counter(stats.DriverTasksSubmittedCounter).Inc(int64(len(tasks)))

	for {
		q.mu.Lock()
		j, ok := q.byUUID[h.UUID]
		if !ok {
			p, err := q.buildPolicy(h.SLA.ExecutionPolicy)
			if err != nil {
				q.mu.Unlock()
				return nil, errors.Wrapf(err, "job %s", h.UUID)
			}
			j = NewServerJob(h, p, b)
			q.admitLocked(j)
			q.byUUID[h.UUID] = j
			q.mu.Unlock()
			log.WithFields(log.Fields{
				"jobUUID": h.UUID,
				"name":    h.Name,
				"tasks":   len(tasks),
			}).Info("job submitted")
			return b, nil
		}
		q.mu.Unlock()

		err := j.AddBundle(b)
		if err == nil {
			return b, nil
		}
		if err != ErrJobEnded {
			return nil, err
		}
		// The job ended while its removal is in flight.
		q.mu.Lock()
		if q.byUUID[h.UUID] == j {
			delete(q.byUUID, h.UUID)
		}
		q.mu.Unlock()
	}
}

func (q *JobQueue) buildPolicy(doc string) (policy.Policy, error) {
	return q.cache.Get(doc)
}

// admitLocked wires the queue's callbacks into j and makes it ready.
func (q *JobQueue) admitLocked(j *ServerJob) {
	policy.AttachContext(j.Policy(), j.PolicyContext(q.stat, q.nodes))
	j.SetSubmissionStatus(domain.SubmissionPending)
	j.SetOnRequeue(func() { q.requeue(j) })
	j.OnDone(q.jobEnded)
	for _, l := range q.listeners {
		j.AddListener(l)
	}
	q.seq++
	item := &queueItem{job: j, seq: q.seq, index: -1}
	q.items[j.ID()] = item
	if j.PendingTaskCount() > 0 {
		heap.Push(&q.ready, item)
	}
	q.stat.Gauge(stats.DriverQueuedJobsGauge).Update(int64(len(q.items)))
}

// requeue makes j ready again. It does nothing if j already is, or left the queue.
func (q *JobQueue) requeue(j *ServerJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[j.ID()]
	if !ok || item.index >= 0 || j.IsDone() {
		return
	}
	heap.Push(&q.ready, item)
	q.stat.Counter(stats.DriverRequeueCounter).Inc(1)
	log.WithFields(log.Fields{"jobUUID": j.UUID(), "job": j.ID()}).Debug("job requeued")
}

// release takes j out of the ready heap if it has no pending task.
func (q *JobQueue) release(j *ServerJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[j.ID()]
	if !ok || item.index < 0 || j.PendingTaskCount() > 0 {
		return
	}
	heap.Remove(&q.ready, item.index)
}

// addChildren admits the per node jobs of a fanned out broadcast job.
func (q *JobQueue) addChildren(children []*ServerJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range children {
		q.admitLocked(c)
	}
}

// jobEnded removes j. Client bundles that arrived after j completed become
// a new job under the same uuid.
func (q *JobQueue) jobEnded(j *ServerJob, late []*ClientBundle) {
	q.stat.Counter(stats.DriverJobsEndedCounter).Inc(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[j.ID()]; ok {
		if item.index >= 0 {
			heap.Remove(&q.ready, item.index)
		}
		delete(q.items, j.ID())
	}
	uuid := j.UUID()
	if j.Parent() == nil && q.byUUID[uuid] == j {
		delete(q.byUUID, uuid)
	}
	q.stat.Gauge(stats.DriverQueuedJobsGauge).Update(int64(len(q.items)))
	if len(late) == 0 || j.Parent() != nil {
		return
	}

	if _, ok := q.byUUID[uuid]; ok {
		// A newer job already took the uuid.
		go q.resubmit(uuid, late)
		return
	}
	h := j.Header()
	p, err := q.buildPolicy(h.SLA.ExecutionPolicy)
	if err != nil {
		log.WithFields(log.Fields{"jobUUID": uuid, "err": err}).Error("rebuilding policy for late bundles, cancelling them")
		go func() {
			for _, b := range late {
				b.Cancel()
			}
		}()
		return
	}
	next := NewServerJob(h, p, late...)
	q.admitLocked(next)
	q.byUUID[uuid] = next
	log.WithFields(log.Fields{
		"jobUUID": uuid,
		"bundles": len(late),
	}).Info("late bundles resubmitted as a new job")
}

func (q *JobQueue) resubmit(uuid string, late []*ClientBundle) {
	for _, b := range late {
		q.mu.Lock()
		j, ok := q.byUUID[uuid]
		q.mu.Unlock()
		if !ok || j.AddBundle(b) != nil {
			b.Cancel()
		}
	}
}

// Get returns the live job with the given uuid.
func (q *JobQueue) Get(uuid string) (*ServerJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byUUID[uuid]
	return j, ok
}

// Cancel cancels the job with the given uuid. It returns false when the job
// is unknown or already cancelled or done.
func (q *JobQueue) Cancel(uuid string) bool {
	j, ok := q.Get(uuid)
	if !ok {
		return false
	}
	if !j.Cancel() {
		return false
	}
	q.stat.Counter(stats.DriverJobsCancelledCounter).Inc(1)
	return true
}

// Update replaces the SLA and metadata of a job, rebuilding its policy.
func (q *JobQueue) Update(uuid string, sla domain.JobSLA, metadata domain.JobMetadata) error {
	j, ok := q.Get(uuid)
	if !ok {
		return errors.Wrap(ErrUnknownJob, uuid)
	}
	p, err := q.buildPolicy(sla.ExecutionPolicy)
	if err != nil {
		return errors.Wrapf(err, "job %s", uuid)
	}
	if !j.Update(sla, metadata, p) {
		return errors.Errorf("job %s is done", uuid)
	}
	policy.AttachContext(p, j.PolicyContext(q.stat, q.nodes))

	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[j.ID()]; ok && item.index >= 0 {
		heap.Fix(&q.ready, item.index)
	}
	return nil
}

// Suspend stops or resumes dispatching the job.
func (q *JobQueue) Suspend(uuid string, suspended bool) error {
	j, ok := q.Get(uuid)
	if !ok {
		return errors.Wrap(ErrUnknownJob, uuid)
	}
	j.SetSuspended(suspended)
	return nil
}

// Expire cancels every job whose SLA expiration is before now.
func (q *JobQueue) Expire(now time.Time) []*ServerJob {
	var expired []*ServerJob
	for _, j := range q.Jobs() {
		exp := j.SLA().Expiration
		if exp.IsZero() || exp.After(now) || j.Parent() != nil {
			continue
		}
		if j.Expire() {
			log.WithFields(log.Fields{"jobUUID": j.UUID(), "expiration": exp}).Info("job expired")
			expired = append(expired, j)
		}
	}
	return expired
}

// Ready returns the jobs with pending tasks, in dispatch order.
func (q *JobQueue) Ready() []*ServerJob {
	q.mu.Lock()
	items := append([]*queueItem(nil), q.ready...)
	q.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return readyHeap(items).Less(i, j) })
	jobs := make([]*ServerJob, len(items))
	for i, item := range items {
		jobs[i] = item.job
	}
	return jobs
}

// Jobs returns every job in the queue, broadcast children included, in
// admission order.
func (q *JobQueue) Jobs() []*ServerJob {
	q.mu.Lock()
	items := make([]*queueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	q.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	jobs := make([]*ServerJob, len(items))
	for i, item := range items {
		jobs[i] = item.job
	}
	return jobs
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
