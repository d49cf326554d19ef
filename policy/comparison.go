package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Operator selects the comparison a Comparison leaf performs. Its String
// form is the XML element name.
type Operator int

const (
	OpLessThan Operator = iota
	OpAtMost
	OpMoreThan
	OpAtLeast
	OpBetweenII
	OpBetweenIE
	OpBetweenEI
	OpBetweenEE
	OpEqual
	OpNotEqual
	OpContains
	OpOneOf
	OpRegExp
)

var operatorNames = [...]string{
	"LessThan", "AtMost", "MoreThan", "AtLeast",
	"BetweenII", "BetweenIE", "BetweenEI", "BetweenEE",
	"Equal", "NotEqual", "Contains", "OneOf", "RegExp",
}

func (o Operator) String() string {
	if int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

func operatorByName(name string) (Operator, bool) {
	for i, n := range operatorNames {
		if n == name {
			return Operator(i), true
		}
	}
	return 0, false
}

type operatorSpec struct {
	// Number of right hand values; -1 means one or more.
	arity int

	// Forced value type, or declaredType when the rule declares it.
	valueType ValueType

	// Whether the XML element carries the valueType and ignoreCase attributes.
	typed, caseFlag bool

	compare func(c *Comparison, left interface{}, right []interface{}) (bool, error)
}

const declaredType ValueType = -1

var operators map[Operator]operatorSpec

func init() {
	operators = map[Operator]operatorSpec{
		OpLessThan:  {1, ValueNumeric, false, false, numeric(func(l float64, r []float64) bool { return l < r[0] })},
		OpAtMost:    {1, ValueNumeric, false, false, numeric(func(l float64, r []float64) bool { return l <= r[0] })},
		OpMoreThan:  {1, ValueNumeric, false, false, numeric(func(l float64, r []float64) bool { return l > r[0] })},
		OpAtLeast:   {1, ValueNumeric, false, false, numeric(func(l float64, r []float64) bool { return l >= r[0] })},
		OpBetweenII: {2, ValueNumeric, false, false, between(true, true)},
		OpBetweenIE: {2, ValueNumeric, false, false, between(true, false)},
		OpBetweenEI: {2, ValueNumeric, false, false, between(false, true)},
		OpBetweenEE: {2, ValueNumeric, false, false, between(false, false)},
		OpEqual:     {1, declaredType, true, true, compareEqual},
		OpNotEqual:  {1, declaredType, true, true, compareNotEqual},
		OpContains:  {1, ValueString, false, true, compareContains},
		OpOneOf:     {-1, declaredType, true, true, compareOneOf},
		OpRegExp:    {1, ValueString, false, false, compareRegExp},
	}
}

func numeric(f func(l float64, r []float64) bool) func(*Comparison, interface{}, []interface{}) (bool, error) {
	return func(c *Comparison, l interface{}, r []interface{}) (bool, error) {
		values := make([]float64, len(r))
		for i, v := range r {
			values[i] = v.(float64)
		}
		return f(l.(float64), values), nil
	}
}

// between shares one implementation across the four bound inclusivity variants.
func between(lowInclusive, highInclusive bool) func(*Comparison, interface{}, []interface{}) (bool, error) {
	return numeric(func(l float64, r []float64) bool {
		low, high := r[0], r[1]
		aboveLow := l > low || (lowInclusive && l == low)
		belowHigh := l < high || (highInclusive && l == high)
		return aboveLow && belowHigh
	})
}

func compareEqual(c *Comparison, l interface{}, r []interface{}) (bool, error) {
	return c.equal(l, r[0]), nil
}

func compareNotEqual(c *Comparison, l interface{}, r []interface{}) (bool, error) {
	return !c.equal(l, r[0]), nil
}

func compareOneOf(c *Comparison, l interface{}, r []interface{}) (bool, error) {
	for _, v := range r {
		if c.equal(l, v) {
			return true, nil
		}
	}
	return false, nil
}

func compareContains(c *Comparison, l interface{}, r []interface{}) (bool, error) {
	left, right := l.(string), r[0].(string)
	if c.ignoreCase {
		return strings.Contains(strings.ToLower(left), strings.ToLower(right)), nil
	}
	return strings.Contains(left, right), nil
}

func compareRegExp(c *Comparison, l interface{}, r []interface{}) (bool, error) {
	re := c.pattern
	if re == nil {
		var err error
		if re, err = compilePattern(r[0].(string)); err != nil {
			return false, err
		}
	}
	return re.MatchString(l.(string)), nil
}

// compilePattern anchors pattern so that it must match the whole value.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid regular expression %q", pattern)
	}
	return re, nil
}

// Comparison is a leaf comparing a node property, or an expression, with
// one or more values.
type Comparison struct {
	node
	op         Operator
	valueType  ValueType
	ignoreCase bool
	left       operand
	values     []*Expression
	pattern    *regexp.Regexp
}

// NewComparison builds a comparison from raw operand text, each of which may
// be a literal or an expression. valueType and ignoreCase are ignored by
// operators that fix them.
func NewComparison(op Operator, valueType ValueType, ignoreCase bool, property string, values ...string) (*Comparison, error) {
	spec, ok := operators[op]
	if !ok {
		return nil, errors.Errorf("unknown operator %v", op)
	}
	if spec.arity >= 0 && len(values) != spec.arity {
		return nil, errors.Errorf("%v takes %d value(s), got %d", op, spec.arity, len(values))
	}
	if spec.arity < 0 && len(values) == 0 {
		return nil, errors.Errorf("%v takes at least one value", op)
	}
	if strings.TrimSpace(property) == "" {
		return nil, errors.Errorf("%v needs a property", op)
	}
	if spec.valueType != declaredType {
		valueType = spec.valueType
	}
	if !spec.caseFlag {
		ignoreCase = false
	}
	c := &Comparison{op: op, valueType: valueType, ignoreCase: ignoreCase}
	c.left = newOperand(valueType, property)
	for _, v := range values {
		c.values = append(c.values, NewExpression(valueType, v))
	}
	if op == OpRegExp && c.values[0].IsLiteral() {
		re, err := compilePattern(values[0])
		if err != nil {
			return nil, err
		}
		c.pattern = re
	}
	c.init(c)
	return c, nil
}

func newLiteralComparison(op Operator, valueType ValueType, ignoreCase bool, property string, values ...*Expression) *Comparison {
	c := &Comparison{op: op, valueType: valueType, ignoreCase: ignoreCase, values: values}
	c.left = newOperand(valueType, property)
	c.init(c)
	return c
}

func (c *Comparison) Operator() Operator   { return c.op }
func (c *Comparison) ValueType() ValueType { return c.valueType }
func (c *Comparison) IgnoreCase() bool     { return c.ignoreCase }
func (c *Comparison) Property() string     { return c.left.raw }
func (c *Comparison) Values() []*Expression {
	return c.values
}

func (c *Comparison) Accepts(info Properties) (bool, error) {
	s := c.scope(info)
	left, ok, err := c.left.resolve(s, c.valueType)
	if err != nil || !ok {
		return false, err
	}
	right := make([]interface{}, len(c.values))
	for i, v := range c.values {
		if right[i], err = v.eval(s); err != nil {
			return false, err
		}
	}
	return operators[c.op].compare(c, left, right)
}

func (c *Comparison) equal(l, r interface{}) bool {
	switch c.valueType {
	case ValueString:
		if c.ignoreCase {
			return strings.EqualFold(l.(string), r.(string))
		}
		return l.(string) == r.(string)
	}
	return l == r
}

// LessThan accepts nodes whose property is < value.
func LessThan(property string, value float64) *Comparison {
	return newLiteralComparison(OpLessThan, ValueNumeric, false, property, NumberLiteral(value))
}

// AtMost accepts nodes whose property is <= value.
func AtMost(property string, value float64) *Comparison {
	return newLiteralComparison(OpAtMost, ValueNumeric, false, property, NumberLiteral(value))
}

// MoreThan accepts nodes whose property is > value.
func MoreThan(property string, value float64) *Comparison {
	return newLiteralComparison(OpMoreThan, ValueNumeric, false, property, NumberLiteral(value))
}

// AtLeast accepts nodes whose property is >= value.
func AtLeast(property string, value float64) *Comparison {
	return newLiteralComparison(OpAtLeast, ValueNumeric, false, property, NumberLiteral(value))
}

// BetweenII accepts low <= property <= high.
func BetweenII(property string, low, high float64) *Comparison {
	return newLiteralComparison(OpBetweenII, ValueNumeric, false, property, NumberLiteral(low), NumberLiteral(high))
}

// BetweenIE accepts low <= property < high.
func BetweenIE(property string, low, high float64) *Comparison {
	return newLiteralComparison(OpBetweenIE, ValueNumeric, false, property, NumberLiteral(low), NumberLiteral(high))
}

// BetweenEI accepts low < property <= high.
func BetweenEI(property string, low, high float64) *Comparison {
	return newLiteralComparison(OpBetweenEI, ValueNumeric, false, property, NumberLiteral(low), NumberLiteral(high))
}

// BetweenEE accepts low < property < high.
func BetweenEE(property string, low, high float64) *Comparison {
	return newLiteralComparison(OpBetweenEE, ValueNumeric, false, property, NumberLiteral(low), NumberLiteral(high))
}

func EqualNumber(property string, value float64) *Comparison {
	return newLiteralComparison(OpEqual, ValueNumeric, false, property, NumberLiteral(value))
}

// EqualString compares case insensitively unless told otherwise by
// EqualStringCase.
func EqualString(property string, value string) *Comparison {
	return EqualStringCase(property, true, value)
}

func EqualStringCase(property string, ignoreCase bool, value string) *Comparison {
	return newLiteralComparison(OpEqual, ValueString, ignoreCase, property, StringLiteral(value))
}

func EqualBool(property string, value bool) *Comparison {
	return newLiteralComparison(OpEqual, ValueBoolean, false, property, BoolLiteral(value))
}

func NotEqualNumber(property string, value float64) *Comparison {
	return newLiteralComparison(OpNotEqual, ValueNumeric, false, property, NumberLiteral(value))
}

func NotEqualString(property string, ignoreCase bool, value string) *Comparison {
	return newLiteralComparison(OpNotEqual, ValueString, ignoreCase, property, StringLiteral(value))
}

func NotEqualBool(property string, value bool) *Comparison {
	return newLiteralComparison(OpNotEqual, ValueBoolean, false, property, BoolLiteral(value))
}

func Contains(property string, ignoreCase bool, value string) *Comparison {
	return newLiteralComparison(OpContains, ValueString, ignoreCase, property, StringLiteral(value))
}

func OneOfNumbers(property string, values ...float64) *Comparison {
	exprs := make([]*Expression, len(values))
	for i, v := range values {
		exprs[i] = NumberLiteral(v)
	}
	return newLiteralComparison(OpOneOf, ValueNumeric, false, property, exprs...)
}

func OneOfStrings(property string, ignoreCase bool, values ...string) *Comparison {
	exprs := make([]*Expression, len(values))
	for i, v := range values {
		exprs[i] = StringLiteral(v)
	}
	return newLiteralComparison(OpOneOf, ValueString, ignoreCase, property, exprs...)
}

// RegExp accepts nodes whose property matches pattern entirely.
func RegExp(property, pattern string) (*Comparison, error) {
	return NewComparison(OpRegExp, ValueString, false, property, pattern)
}
