package cluster

import (
	"fmt"
)

type NodeUpdateType int

const (
	NodeAdded NodeUpdateType = iota
	NodeRemoved
	// A known node re-advertised its properties.
	NodeUpdated
)

func (t NodeUpdateType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeRemoved:
		return "removed"
	case NodeUpdated:
		return "updated"
	}
	return fmt.Sprintf("NodeUpdateType(%d)", int(t))
}

// NodeUpdate represents a change to the cluster
type NodeUpdate struct {
	UpdateType NodeUpdateType
	Id         NodeId
	Node       Node // Only set for adds and updates
}

func (u *NodeUpdate) String() string {
	return fmt.Sprintf("%v %v %v", u.UpdateType, u.Id, u.Node)
}

// Helper functions to create NodeUpdates

func NewAdd(node Node) NodeUpdate {
	return NodeUpdate{
		NodeAdded,
		node.Id(),
		node,
	}
}

func NewRemove(id NodeId) NodeUpdate {
	return NodeUpdate{
		UpdateType: NodeRemoved,
		Id:         id,
	}
}

func NewUpdate(node Node) NodeUpdate {
	return NodeUpdate{
		NodeUpdated,
		node.Id(),
		node,
	}
}

type NodeUpdateSorter []NodeUpdate

func (u NodeUpdateSorter) Len() int           { return len(u) }
func (u NodeUpdateSorter) Swap(i, j int)      { u[i], u[j] = u[j], u[i] }
func (u NodeUpdateSorter) Less(i, j int) bool { return u[i].Id < u[j].Id }
