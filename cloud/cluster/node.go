package cluster

import (
	"fmt"
)

type NodeId string

type Node interface {
	// A unique node identifier, like 'host:port' or the node uuid.
	Id() NodeId

	// Status info or location to get status, depending on concrete node type.
	Status() string

	// The properties the node advertised when it joined.
	Properties() *PropertyCollection
}

type idNode struct {
	id     NodeId
	status string
	props  *PropertyCollection
}

func (n *idNode) String() string {
	return string(n.id)
}

func NewIdNode(id string) Node {
	return &idNode{id: NodeId(id), props: NewPropertyCollection()}
}

func NewIdStatusNode(id, status string) Node {
	return &idNode{id: NodeId(id), status: status, props: NewPropertyCollection()}
}

// NewPropertiesNode returns a node advertising props.
func NewPropertiesNode(id string, props *PropertyCollection) Node {
	if props == nil {
		props = NewPropertyCollection()
	}
	return &idNode{id: NodeId(id), props: props}
}

func NewIdNodes(num int) []Node {
	r := []Node{}
	for i := 0; i < num; i++ {
		r = append(r, NewIdNode(fmt.Sprintf("node%d", i+1)))
	}
	return r
}

func (n *idNode) Id() NodeId {
	return n.id
}

func (n *idNode) Status() string {
	return n.status
}

func (n *idNode) Properties() *PropertyCollection {
	return n.props
}

type NodeSorter []Node

func (n NodeSorter) Len() int           { return len(n) }
func (n NodeSorter) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }
func (n NodeSorter) Less(i, j int) bool { return n[i].Id() < n[j].Id() }

var _ Node = (*idNode)(nil)
