package cluster

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// state is the current membership view of a cluster.
type state struct {
	nodes       map[NodeId]Node
	nopCheckCnt int
}

func makeState(nodes []Node) *state {
	s := &state{
		nodes: make(map[NodeId]Node),
	}
	s.setAndDiff(nodes)
	return s
}

// setAndDiff takes the new state as an argument and creates
// node updates based on the diff
func (s *state) setAndDiff(newState []Node) []NodeUpdate {
	added := []Node{}
	oldStateLen := len(s.nodes)
	for _, n := range newState {
		if _, exists := s.nodes[n.Id()]; exists {
			// remove from s.nodes so that s.nodes only contains nodes removed in this diff
			delete(s.nodes, n.Id())
		} else {
			added = append(added, n)
		}
	}
	removed := []Node{}
	for _, n := range s.nodes {
		removed = append(removed, n)
	}
	sort.Sort(NodeSorter(added))
	sort.Sort(NodeSorter(removed))
	outgoing := []NodeUpdate{}
	for _, n := range added {
		outgoing = append(outgoing, NewAdd(n))
	}
	for _, n := range removed {
		outgoing = append(outgoing, NewRemove(n.Id()))
	}

	if len(added) > 0 || len(removed) > 0 {
		log.WithFields(log.Fields{
			"added":     len(added),
			"removed":   len(removed),
			"newSize":   len(newState),
			"oldSize":   oldStateLen,
			"nopChecks": s.nopCheckCnt,
		}).Info("cluster membership changed")
		s.nopCheckCnt = 0
	} else {
		s.nopCheckCnt++
	}
	s.nodes = make(map[NodeId]Node)
	for _, n := range newState {
		s.nodes[n.Id()] = n
	}
	return outgoing
}

// filterAndUpdate applies updates in order and returns only the ones that
// changed membership. Duplicate adds and removes of unknown nodes are dropped.
func (s *state) filterAndUpdate(updates []NodeUpdate) []NodeUpdate {
	out := []NodeUpdate{}
	for _, u := range updates {
		_, exists := s.nodes[u.Id]
		switch u.UpdateType {
		case NodeAdded:
			if exists {
				log.Debugf("ignoring duplicate add of %s", u.Id)
				continue
			}
			s.nodes[u.Id] = u.Node
		case NodeRemoved:
			if !exists {
				log.Debugf("ignoring remove of unknown node %s", u.Id)
				continue
			}
			delete(s.nodes, u.Id)
		case NodeUpdated:
			if !exists {
				u.UpdateType = NodeAdded
			}
			s.nodes[u.Id] = u.Node
		}
		out = append(out, u)
	}
	return out
}

func (s *state) members() []Node {
	r := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		r = append(r, n)
	}
	sort.Sort(NodeSorter(r))
	return r
}
