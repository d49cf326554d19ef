package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/scheduler/domain"
)

// CreateBroadcastJobs fans a broadcast job out to one child job per node.
// Children carry copies of the parent's client bundles and are restricted to
// their node. The parent ends when its last child ends. Returns nil if the
// job is not a broadcast job, was already fanned out, or nodes is empty.
func (j *ServerJob) CreateBroadcastJobs(nodes []string) []*ServerJob {
	if len(nodes) == 0 {
		return nil
	}
	j.mu.Lock()
	if !j.header.SLA.Broadcast || j.parent != nil || j.fannedOut || j.cancelled || j.status >= domain.Complete {
		j.mu.Unlock()
		return nil
	}
	j.fannedOut = true
	j.pool = nil
	j.header.TaskCount = 0
	var bundles []*ClientBundle
	for _, b := range j.clientBundles {
		if !b.IsCancelled() {
			bundles = append(bundles, b)
		}
	}
	header := j.header.Copy()
	j.mu.Unlock()

	header.SLA.ExecutionPolicy = ""
	header.SLA.MaxNodes = 1

	children := make([]*ServerJob, 0, len(nodes))
	j.dispatchMu.Lock()
	for _, node := range nodes {
		if _, ok := j.children[node]; ok {
			continue
		}
		child := NewServerJob(header, nil)
		child.parent = j
		child.broadcastNode = node
		j.children[node] = child
		children = append(children, child)
	}
	j.dispatchMu.Unlock()

	for _, child := range children {
		for _, b := range bundles {
			if err := child.AddBundle(b.copyForBroadcast()); err != nil {
				log.WithFields(log.Fields{
					"jobUUID": header.UUID,
					"node":    child.broadcastNode,
					"err":     err,
				}).Error("adding bundle copy to broadcast child")
			}
		}
	}
	log.WithFields(log.Fields{
		"jobUUID":  header.UUID,
		"children": len(children),
	}).Info("broadcast job fanned out")
	return children
}

func (j *ServerJob) broadcastDispatched(child *ServerJob) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.setStatusLocked(domain.Executing)
	if j.submission < domain.SubmissionComplete {
		j.submission = domain.SubmissionExecuting
	}
}

// broadcastCompleted detaches an ended child. Once no child remains the
// parent's own tasks resolve: with their payload as result, or cancelled if
// the parent or their bundle was cancelled.
func (j *ServerJob) broadcastCompleted(child *ServerJob) {
	j.dispatchMu.Lock()
	delete(j.children, child.broadcastNode)
	remaining := len(j.children)
	j.dispatchMu.Unlock()
	if remaining > 0 {
		return
	}

	var resolved []*ServerTask
	j.mu.Lock()
	for _, b := range j.clientBundles {
		for _, t := range b.tasks {
			if t.State().Final() {
				continue
			}
			if j.cancelled || b.IsCancelled() {
				t.cancel()
			} else {
				t.resultReceived(t.payload)
			}
			resolved = append(resolved, t)
		}
	}
	j.mu.Unlock()

	deliverResults(resolved)
	j.taskCompleted(false, nil)
}
