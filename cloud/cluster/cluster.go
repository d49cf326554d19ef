package cluster

import (
	"io"
	"sync"
)

// Cluster is an in-memory view of the worker nodes known to the driver.
// Membership changes are pushed to it (by a discovery component or a static
// inventory) and fanned out to subscribers.
type Cluster struct {
	mu    sync.Mutex
	state *state
	subs  []*subscriber
}

// Subscription is a subscription to cluster changes.
type Subscription struct {
	InitialMembers []Node               // The members at the time the subscription started
	Updates        <-chan []NodeUpdate // Updates as they happen
	Closer         io.Closer           // How to stop subscribing
}

func NewCluster(initial []Node) *Cluster {
	return &Cluster{state: makeState(initial)}
}

// Members returns the current members sorted by id.
func (c *Cluster) Members() []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.members()
}

// Update applies incremental updates.
func (c *Cluster) Update(updates []NodeUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(c.state.filterAndUpdate(updates))
}

// SetMembers replaces the membership and publishes the difference.
func (c *Cluster) SetMembers(nodes []Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(c.state.setAndDiff(nodes))
}

func (c *Cluster) Subscribe() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := newSubscriber(c)
	c.subs = append(c.subs, s)
	return Subscription{
		InitialMembers: c.state.members(),
		Updates:        s.outCh,
		Closer:         s,
	}
}

// Close ends every subscription.
func (c *Cluster) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		close(s.inCh)
	}
	return nil
}

func (c *Cluster) publish(updates []NodeUpdate) {
	if len(updates) == 0 {
		return
	}
	for _, s := range c.subs {
		s.inCh <- updates
	}
}

func (c *Cluster) unsubscribe(s *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			close(s.inCh)
			return
		}
	}
}

// subscriber queues updates so that publishing never blocks on a slow reader.
type subscriber struct {
	inCh  chan []NodeUpdate
	outCh chan []NodeUpdate
	cl    *Cluster
	queue []NodeUpdate
}

func newSubscriber(cl *Cluster) *subscriber {
	s := &subscriber{
		inCh:  make(chan []NodeUpdate, 1),
		outCh: make(chan []NodeUpdate),
		cl:    cl,
	}
	go s.loop()
	return s
}

func (s *subscriber) Close() error {
	s.cl.unsubscribe(s)
	return nil
}

func (s *subscriber) loop() {
	inCh := s.inCh
	for inCh != nil || len(s.queue) > 0 {
		var outCh chan []NodeUpdate
		var outgoing []NodeUpdate
		if len(s.queue) > 0 {
			outCh = s.outCh
			outgoing = s.queue
		}
		select {
		case updates, ok := <-inCh:
			if !ok {
				inCh = nil
				continue
			}
			s.queue = append(s.queue, updates...)
		case outCh <- outgoing:
			s.queue = nil
		}
	}
	close(s.outCh)
}
