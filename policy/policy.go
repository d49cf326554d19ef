package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/scripting"
)

// Properties is the view of a node's advertised properties a policy needs.
type Properties interface {
	Property(name string) (string, bool)
}

// flattener is implemented by property collections that can expose
// everything at once to scripts.
type flattener interface {
	Flatten() map[string]string
}

// GetProperty returns the named property or false when info is nil or does
// not carry it.
func GetProperty(info Properties, name string) (string, bool) {
	if info == nil {
		return "", false
	}
	return info.Property(name)
}

// Policy is a node of an execution policy tree.
type Policy interface {
	// Accepts evaluates the policy, reporting evaluation problems as errors.
	Accepts(info Properties) (bool, error)

	// Evaluate is Accepts with errors and panics turned into false. The
	// first failure of each node is logged.
	Evaluate(info Properties) bool

	// Children returns the direct children, in order.
	Children() []Policy

	// Context returns the context attached to the root of the tree, or nil.
	Context() *Context

	// Render returns the XML fragment for this subtree, indented by the
	// given number of levels.
	Render(indent int) string

	base() *node
}

type rootRef struct {
	p Policy
}

type contextRef struct {
	ctx *Context
}

// node holds what every policy shares: its children, the root pointer
// assigned by AttachContext and the logged-once flag.
type node struct {
	self     Policy
	children []Policy
	rooted   int32
	root     atomic.Value // rootRef
	ctx      atomic.Value // contextRef, only read on the root
	logged   int32
}

func (n *node) init(self Policy, children ...Policy) {
	n.self = self
	n.children = children
}

func (n *node) base() *node {
	return n
}

func (n *node) Children() []Policy {
	return n.children
}

func (n *node) Context() *Context {
	r := n.self
	if ref, ok := n.root.Load().(rootRef); ok {
		r = ref.p
	}
	if ref, ok := r.base().ctx.Load().(contextRef); ok {
		return ref.ctx
	}
	return nil
}

func (n *node) Evaluate(info Properties) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			n.reportFailure(errors.Errorf("panic: %v", r))
			accepted = false
		}
	}()
	ok, err := n.self.Accepts(info)
	if err != nil {
		n.reportFailure(err)
		return false
	}
	return ok
}

// reportFailure logs err the first time this node fails.
func (n *node) reportFailure(err error) {
	if atomic.CompareAndSwapInt32(&n.logged, 0, 1) {
		log.WithFields(log.Fields{
			"policy": nameOf(n.self),
			"err":    err,
		}).Error("execution policy evaluation failed, treating as not accepted")
	}
}

func (n *node) scope(info Properties) *scope {
	return &scope{info: info, ctx: n.Context()}
}

// AttachContext makes ctx visible to every node of the tree rooted at p.
// The first attachment assigns p as root of every descendant that has no
// root yet; later attachments only replace the context held by p.
func AttachContext(p Policy, ctx *Context) {
	if p == nil {
		return
	}
	b := p.base()
	b.ctx.Store(contextRef{ctx})
	if atomic.CompareAndSwapInt32(&b.rooted, 0, 1) {
		b.root.Store(rootRef{p})
	}
	for _, c := range b.children {
		assignRoot(c, p)
	}
}

func assignRoot(p Policy, root Policy) {
	if p == nil {
		return
	}
	b := p.base()
	if !atomic.CompareAndSwapInt32(&b.rooted, 0, 1) {
		return
	}
	b.root.Store(rootRef{root})
	for _, c := range b.children {
		assignRoot(c, root)
	}
}

// String renders p as indented XML.
func String(p Policy) string {
	if p == nil {
		return "<AcceptAll/>\n"
	}
	return p.Render(0)
}

func nameOf(p Policy) string {
	switch t := p.(type) {
	case *Comparison:
		return t.op.String()
	case *LogicalRule:
		return t.kind.String()
	}
	return fmt.Sprintf("%T", p)
}

// scope is what one evaluation can see.
type scope struct {
	info Properties
	ctx  *Context
}

func (s *scope) runner() scripting.Runner {
	if s.ctx != nil && s.ctx.Scripts != nil {
		return s.ctx.Scripts
	}
	return scripting.Default
}

// bindings exposes the node properties and the job context to scripts.
func (s *scope) bindings() map[string]interface{} {
	flat := map[string]string{}
	if f, ok := s.info.(flattener); ok {
		flat = f.Flatten()
	}
	b := map[string]interface{}{
		"nodeInfo": flat,
		"getProperty": func(name string) string {
			v, _ := GetProperty(s.info, name)
			return v
		},
	}
	if s.ctx != nil {
		b["jobSLA"] = s.ctx.JobSLA
		b["jobClientSLA"] = s.ctx.JobClientSLA
		b["jobMetadata"] = s.ctx.JobMetadata
		b["jobDispatches"] = s.ctx.Dispatches
		if s.ctx.Stats != nil {
			b["driverStats"] = s.ctx.Stats.Snapshot()
		}
	}
	return b
}
