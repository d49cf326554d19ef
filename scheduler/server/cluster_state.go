package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	cc "github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/policy"
)

const defaultMaxLostDuration = time.Minute
const defaultMaxFlakyDuration = 15 * time.Minute
const defaultMaxNodeErrors = 3

var nilTime = time.Time{}

// clusterState tracks the nodes known to the driver and which of them are
// busy running a node bundle.
// Healthy nodes live in nodes. A node removed from the cluster, or failing
// maxNodeErrors dispatches in a row, is moved to suspendedNodes: lost nodes
// are forgotten after maxLostDuration unless re-added, flaky nodes come back
// after maxFlakyDuration.
type clusterState struct {
	mu               sync.Mutex
	nodesUpdatesCh   <-chan []cc.NodeUpdate
	nodes            map[cc.NodeId]*nodeState
	suspendedNodes   map[cc.NodeId]*nodeState
	maxLostDuration  time.Duration
	maxFlakyDuration time.Duration
	maxNodeErrors    int
	stats            stats.StatsReceiver
	nopUpdateCnt     int
}

// The State of A Node in the Cluster
type nodeState struct {
	node       cc.Node
	dispatches int // node bundles in flight
	errors     int // consecutive failed dispatches
	timeLost   time.Time
	timeFlaky  time.Time
}

func (ns *nodeState) String() string {
	return fmt.Sprintf("{node:%s, dispatches:%d, errors:%d, timeLost:%v, timeFlaky:%v}",
		ns.node.Id(), ns.dispatches, ns.errors, ns.timeLost, ns.timeFlaky)
}

func (ns *nodeState) suspended() bool {
	return ns.timeLost != nilTime || ns.timeFlaky != nilTime
}

func newNodeState(node cc.Node) *nodeState {
	return &nodeState{node: node}
}

// newClusterState creates a cluster state holding initial and fed by
// nodesUpdatesCh. The channel is drained on each updateCluster call.
func newClusterState(initial []cc.Node, nodesUpdatesCh <-chan []cc.NodeUpdate, stat stats.StatsReceiver) *clusterState {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	cs := &clusterState{
		nodesUpdatesCh:   nodesUpdatesCh,
		nodes:            map[cc.NodeId]*nodeState{},
		suspendedNodes:   map[cc.NodeId]*nodeState{},
		maxLostDuration:  defaultMaxLostDuration,
		maxFlakyDuration: defaultMaxFlakyDuration,
		maxNodeErrors:    defaultMaxNodeErrors,
		stats:            stat,
	}
	for _, n := range initial {
		cs.nodes[n.Id()] = newNodeState(n)
	}
	cs.updateCluster()
	return cs
}

// updateCluster applies the pending node updates, at most
// DefaultClusterChanSize batches per call.
func (c *clusterState) updateCluster() {
	allUpdates := []cc.NodeUpdate{}
	if c.nodesUpdatesCh != nil {
	LOOP:
		for i := 0; i < common.DefaultClusterChanSize; i++ {
			select {
			case updates, ok := <-c.nodesUpdatesCh:
				if !ok {
					c.nodesUpdatesCh = nil
					break LOOP
				}
				allUpdates = append(allUpdates, updates...)
			default:
				break LOOP
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update(allUpdates)
}

// update processes nodes being added, removed and re-advertised, then
// expires lost nodes and reinstates flaky ones.
func (c *clusterState) update(updates []cc.NodeUpdate) {
	adds, removals := 0, 0
	now := stats.Time.Now()
	for _, update := range updates {
		switch update.UpdateType {
		case cc.NodeAdded:
			adds++
			if ns, ok := c.suspendedNodes[update.Id]; ok {
				if ns.timeLost != nilTime {
					ns.timeLost = nilTime
					ns.node = update.Node
					c.nodes[update.Id] = ns
					delete(c.suspendedNodes, update.Id)
					log.Infof("NodeAdded: Recovered suspended node %v (%s), %s", update.Id, ns, c.status())
				} else {
					log.Infof("NodeAdded: Ignoring NodeAdded event for suspended flaky node. %v (%s)", update.Id, ns)
				}
			} else if ns, ok := c.nodes[update.Id]; !ok {
				c.nodes[update.Id] = newNodeState(update.Node)
				log.Infof("NodeAdded: Added new node: %v, %s", update.Id, c.status())
			} else {
				log.Infof("NodeAdded: Node already added!! %v (%s)", update.Id, ns)
			}

		case cc.NodeUpdated:
			if ns, ok := c.nodes[update.Id]; ok {
				ns.node = update.Node
			} else if ns, ok := c.suspendedNodes[update.Id]; ok {
				ns.node = update.Node
			} else {
				log.Infof("NodeUpdated: Cannot update unknown node: %v", update.Id)
			}

		case cc.NodeRemoved:
			removals++
			if ns, ok := c.suspendedNodes[update.Id]; ok {
				log.Infof("NodeRemoved: Already suspended node marked as removed: %v (was %s)", update.Id, ns)
				ns.timeLost = now
				ns.timeFlaky = nilTime
			} else if ns, ok := c.nodes[update.Id]; ok {
				ns.timeLost = now
				c.suspendedNodes[update.Id] = ns
				delete(c.nodes, update.Id)
				log.Infof("NodeRemoved: Removing node by marking as lost: %v (%s), %s", update.Id, ns, c.status())
			} else {
				log.Infof("NodeRemoved: Cannot remove unknown node: %v", update.Id)
			}
		}
	}

	for id, ns := range c.suspendedNodes {
		if ns.timeLost != nilTime && now.Sub(ns.timeLost) > c.maxLostDuration {
			delete(c.suspendedNodes, id)
			log.Infof("SuspendedNode: Deleting lost node: %v (%s), %s", id, ns, c.status())
		} else if ns.timeFlaky != nilTime && now.Sub(ns.timeFlaky) > c.maxFlakyDuration {
			ns.timeFlaky = nilTime
			ns.errors = 0
			delete(c.suspendedNodes, id)
			c.nodes[id] = ns
			log.Infof("SuspendedNode: Reinstating flaky node now: %v (%s), %s", id, ns, c.status())
		}
	}

	if adds > 0 || removals > 0 {
		log.Infof("Number of nodes added: %d, removed: %d, num iterations without change: %d. %s", adds, removals, c.nopUpdateCnt, c.status())
		c.nopUpdateCnt = 0
	} else {
		c.nopUpdateCnt++
	}
	c.updateGauges()
}

func (c *clusterState) updateGauges() {
	flaky := 0
	for _, ns := range c.suspendedNodes {
		if ns.timeFlaky != nilTime {
			flaky++
		}
	}
	c.stats.Gauge(stats.ClusterNodesGauge).Update(int64(len(c.nodes)))
	c.stats.Gauge(stats.ClusterIdleNodesGauge).Update(int64(c.numIdle()))
	c.stats.Gauge(stats.ClusterFlakyNodesGauge).Update(int64(flaky))
}

func (c *clusterState) numIdle() int {
	n := 0
	for _, ns := range c.nodes {
		if ns.dispatches == 0 {
			n++
		}
	}
	return n
}

// idleNodes returns the healthy nodes with nothing in flight, sorted by id.
func (c *clusterState) idleNodes() []cc.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cc.Node
	for _, ns := range c.nodes {
		if ns.dispatches == 0 {
			out = append(out, ns.node)
		}
	}
	sort.Sort(cc.NodeSorter(out))
	return out
}

// healthyNodes returns every healthy node, sorted by id.
func (c *clusterState) healthyNodes() []cc.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cc.Node, 0, len(c.nodes))
	for _, ns := range c.nodes {
		out = append(out, ns.node)
	}
	sort.Sort(cc.NodeSorter(out))
	return out
}

func (c *clusterState) getNode(id cc.NodeId) (cc.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.nodes[id]
	if !ok {
		return nil, false
	}
	return ns.node, true
}

// bundleDispatched records a node bundle sent to the node.
func (c *clusterState) bundleDispatched(id cc.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok := c.nodes[id]; ok {
		ns.dispatches++
	} else if ns, ok := c.suspendedNodes[id]; ok {
		ns.dispatches++
	}
	c.updateGauges()
}

// bundleReturned records the end of a dispatch to the node. A node failing
// maxNodeErrors dispatches in a row is suspended as flaky.
func (c *clusterState) bundleReturned(id cc.NodeId, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.nodes[id]
	if !ok {
		ns, ok = c.suspendedNodes[id]
	}
	if !ok {
		log.Infof("bundleReturned specified an unknown node: %v (failed=%t) (likely reaped already)", id, failed)
		return
	}
	if ns.dispatches > 0 {
		ns.dispatches--
	}
	if !failed {
		ns.errors = 0
	} else if ns.errors++; ns.errors >= c.maxNodeErrors && !ns.suspended() {
		ns.timeFlaky = stats.Time.Now()
		delete(c.nodes, id)
		c.suspendedNodes[id] = ns
		log.Infof("Suspending flaky node %v after %d consecutive errors, %s", id, ns.errors, c.status())
	}
	c.updateGauges()
}

// CountNodesMatching counts the healthy nodes p accepts. Nodes are read under
// the lock and evaluated outside it.
func (c *clusterState) CountNodesMatching(p policy.Policy) int {
	c.mu.Lock()
	props := make([]*cc.PropertyCollection, 0, len(c.nodes))
	for _, ns := range c.nodes {
		props = append(props, ns.node.Properties())
	}
	c.mu.Unlock()
	if p == nil {
		return len(props)
	}
	n := 0
	for _, info := range props {
		if p.Evaluate(info) {
			n++
		}
	}
	return n
}

func (c *clusterState) status() string {
	return fmt.Sprintf("now have %d healthy (%d idle), and %d suspended",
		len(c.nodes), c.numIdle(), len(c.suspendedNodes))
}
