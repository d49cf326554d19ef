package policy

import (
	"fmt"

	"github.com/pkg/errors"
)

type LogicalKind int

const (
	KindAnd LogicalKind = iota
	KindOr
	KindXor
	KindNot
)

var logicalNames = [...]string{"AND", "OR", "XOR", "NOT"}

func (k LogicalKind) String() string {
	if int(k) < len(logicalNames) {
		return logicalNames[k]
	}
	return fmt.Sprintf("LogicalKind(%d)", int(k))
}

// LogicalRule combines its children with a boolean operator.
type LogicalRule struct {
	node
	kind LogicalKind
}

func newLogical(kind LogicalKind, children []Policy) *LogicalRule {
	r := &LogicalRule{kind: kind}
	r.init(r, children...)
	return r
}

// And accepts when every child accepts, stopping at the first rejection.
// An AND without children accepts.
func And(children ...Policy) *LogicalRule {
	return newLogical(KindAnd, children)
}

// Or accepts when any child accepts, stopping at the first acceptance.
// An OR without children accepts.
func Or(children ...Policy) *LogicalRule {
	return newLogical(KindOr, children)
}

// Xor folds the children left to right with exclusive or. An XOR without
// children accepts.
func Xor(children ...Policy) *LogicalRule {
	return newLogical(KindXor, children)
}

// Not inverts its single child.
func Not(child Policy) *LogicalRule {
	return newLogical(KindNot, []Policy{child})
}

// AndNot accepts when a accepts and b does not.
func AndNot(a, b Policy) *LogicalRule {
	return And(a, Not(b))
}

// OrNot accepts when a accepts or b does not.
func OrNot(a, b Policy) *LogicalRule {
	return Or(a, Not(b))
}

func (r *LogicalRule) Kind() LogicalKind { return r.kind }

// Accepts combines the children's Evaluate results, so a failing child
// counts as a rejection and is logged by that child. Only a malformed
// operator is reported as an error.
func (r *LogicalRule) Accepts(info Properties) (bool, error) {
	switch r.kind {
	case KindAnd:
		for _, c := range r.children {
			if !evaluateChild(c, info) {
				return false, nil
			}
		}
		return true, nil
	case KindOr:
		if len(r.children) == 0 {
			return true, nil
		}
		for _, c := range r.children {
			if evaluateChild(c, info) {
				return true, nil
			}
		}
		return false, nil
	case KindXor:
		if len(r.children) == 0 {
			return true, nil
		}
		result := false
		for i, c := range r.children {
			ok := evaluateChild(c, info)
			if i == 0 {
				result = ok
			} else {
				result = result != ok
			}
		}
		return result, nil
	case KindNot:
		if len(r.children) != 1 || r.children[0] == nil {
			return false, errors.New("NOT takes exactly one child")
		}
		return !r.children[0].Evaluate(info), nil
	}
	return false, errors.Errorf("unknown logical operator %v", r.kind)
}

func evaluateChild(c Policy, info Properties) bool {
	return c != nil && c.Evaluate(info)
}

// Preference is an ordered fallback chain: it accepts a node when any child
// does, and Rank tells how preferred the node is. A nil child accepts
// everything.
type Preference struct {
	node
}

func NewPreference(children ...Policy) *Preference {
	p := &Preference{}
	p.init(p, children...)
	return p
}

func (p *Preference) Accepts(info Properties) (bool, error) {
	return p.Rank(info) >= 0, nil
}

// Rank returns the index of the first child accepting info, or -1. A
// failing child counts as not accepting.
func (p *Preference) Rank(info Properties) int {
	for i, c := range p.children {
		if c == nil || c.Evaluate(info) {
			return i
		}
	}
	return -1
}

// Rank returns the preference rank of info under p: the Preference's rank
// when p is one, 0 when p accepts info otherwise and -1 when it rejects it.
func Rank(p Policy, info Properties) int {
	if p == nil {
		return 0
	}
	if pref, ok := p.(*Preference); ok {
		return pref.Rank(info)
	}
	if p.Evaluate(info) {
		return 0
	}
	return -1
}
