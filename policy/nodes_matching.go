package policy

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotOnDriver is returned by NodesMatching when no live cluster view is
// attached to the context.
var ErrNotOnDriver = errors.New("NodesMatching can only be evaluated by the driver")

// CountOperator compares a node count with an expected value.
type CountOperator int

const (
	CountEqual CountOperator = iota
	CountNotEqual
	CountLessThan
	CountMoreThan
	CountAtLeast
	CountAtMost
)

var countOperatorNames = [...]string{"EQUAL", "NOT_EQUAL", "LESS_THAN", "MORE_THAN", "AT_LEAST", "AT_MOST"}

var countOperatorAliases = map[string]CountOperator{
	"EQ":               CountEqual,
	"NE":               CountNotEqual,
	"LESS":             CountLessThan,
	"LT":               CountLessThan,
	"GREATER":          CountMoreThan,
	"GREATER_THAN":     CountMoreThan,
	"GT":               CountMoreThan,
	"GREATER_OR_EQUAL": CountAtLeast,
	"GE":               CountAtLeast,
	"LESS_OR_EQUAL":    CountAtMost,
	"LE":               CountAtMost,
}

func (o CountOperator) String() string {
	if int(o) < len(countOperatorNames) {
		return countOperatorNames[o]
	}
	return fmt.Sprintf("CountOperator(%d)", int(o))
}

func ParseCountOperator(s string) (CountOperator, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range countOperatorNames {
		if n == u {
			return CountOperator(i), nil
		}
	}
	if op, ok := countOperatorAliases[u]; ok {
		return op, nil
	}
	return CountEqual, errors.Errorf("unknown operator %q", s)
}

func (o CountOperator) evaluate(actual, expected int64) bool {
	switch o {
	case CountEqual:
		return actual == expected
	case CountNotEqual:
		return actual != expected
	case CountLessThan:
		return actual < expected
	case CountMoreThan:
		return actual > expected
	case CountAtLeast:
		return actual >= expected
	case CountAtMost:
		return actual <= expected
	}
	return false
}

// NodesMatchingRule compares the number of live nodes accepted by a nested
// policy with an expected count. A nil nested policy counts every node.
type NodesMatchingRule struct {
	node
	op       CountOperator
	expected *Expression
}

func NodesMatching(op CountOperator, expected int64, nested Policy) *NodesMatchingRule {
	return newNodesMatching(op, NumberLiteral(float64(expected)), nested)
}

// NodesMatchingExpr takes the expected count as an expression evaluated
// against the node being considered.
func NodesMatchingExpr(op CountOperator, expected string, nested Policy) *NodesMatchingRule {
	return newNodesMatching(op, NewExpression(ValueNumeric, expected), nested)
}

func newNodesMatching(op CountOperator, expected *Expression, nested Policy) *NodesMatchingRule {
	r := &NodesMatchingRule{op: op, expected: expected}
	if nested != nil {
		r.init(r, nested)
	} else {
		r.init(r)
	}
	return r
}

func (r *NodesMatchingRule) Operator() CountOperator { return r.op }
func (r *NodesMatchingRule) Expected() *Expression   { return r.expected }

// Nested returns the policy matched against the cluster, or nil.
func (r *NodesMatchingRule) Nested() Policy {
	if len(r.children) == 0 {
		return nil
	}
	return r.children[0]
}

func (r *NodesMatchingRule) Accepts(info Properties) (bool, error) {
	s := r.scope(info)
	if s.ctx == nil || s.ctx.Nodes == nil {
		return false, ErrNotOnDriver
	}
	expected, err := r.expected.number(s)
	if err != nil {
		return false, err
	}
	nested := r.Nested()
	if nested == nil {
		nested = AcceptAll()
	}
	count := s.ctx.Nodes.CountNodesMatching(nested)
	return r.op.evaluate(int64(count), int64(expected)), nil
}
