package policy

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Builder turns descriptors into policy trees, resolving <CustomRule>
// elements through its registry.
type Builder struct {
	custom *CustomRegistry
}

// NewBuilder returns a builder using custom, or DefaultCustomRules when nil.
func NewBuilder(custom *CustomRegistry) *Builder {
	if custom == nil {
		custom = DefaultCustomRules
	}
	return &Builder{custom: custom}
}

func (b *Builder) ParseFrom(r io.Reader) (Policy, error) {
	d, err := ParseDescriptor(r)
	if err != nil {
		return nil, err
	}
	return b.Build(d)
}

// Build checks the structure of d, reporting every problem, then builds a
// fresh tree.
func (b *Builder) Build(d *Descriptor) (Policy, error) {
	if err := b.check(d, false); err != nil {
		return nil, err
	}
	return b.build(d)
}

func (b *Builder) check(d *Descriptor, strict bool) error {
	c := &checker{strict: strict, custom: b.custom}
	c.walk(d)
	return c.errs.ErrorOrNil()
}

func (b *Builder) build(d *Descriptor) (Policy, error) {
	children := make([]Policy, 0, len(d.Children))
	for _, cd := range d.Children {
		child, err := b.build(cd)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	switch d.Type {
	case "AND":
		return And(children...), nil
	case "OR":
		return Or(children...), nil
	case "XOR":
		return Xor(children...), nil
	case "NOT":
		return Not(children[0]), nil
	case "Preference":
		return NewPreference(children...), nil
	case "AcceptAll":
		return AcceptAll(), nil
	case "RejectAll":
		return RejectAll(), nil
	case "IsMasterNode":
		return IsMasterNode(), nil
	case "IsSlaveNode":
		return IsSlaveNode(), nil
	case "IsLocalChannel":
		return IsLocalChannel(), nil
	case "IsPeerDriver":
		return IsPeerDriver(), nil
	case "IsInIPv4Subnet":
		return IsInIPv4Subnet(d.operands(SubnetOperand)...), nil
	case "IsInIPv6Subnet":
		return IsInIPv6Subnet(d.operands(SubnetOperand)...), nil
	case "Script":
		return Script(d.Attr("language", ""), d.Script), nil
	case "CustomRule":
		custom, err := b.custom.New(d.Attr("class", ""), d.Args...)
		if err != nil {
			return nil, err
		}
		return custom, nil
	case "NodesMatching":
		op, err := ParseCountOperator(d.Attr("operator", "EQUAL"))
		if err != nil {
			return nil, err
		}
		var nested Policy
		if len(children) == 1 {
			nested = children[0]
		}
		return NodesMatchingExpr(op, strings.TrimSpace(d.Attr("expected", "0")), nested), nil
	}

	op, ok := operatorByName(d.Type)
	if !ok {
		return nil, errors.Errorf("unknown policy element <%s>", d.Type)
	}
	vt, err := ParseValueType(d.Attr("valueType", "string"))
	if err != nil {
		return nil, err
	}
	ignoreCase, err := strconv.ParseBool(strings.TrimSpace(d.Attr("ignoreCase", "false")))
	if err != nil {
		return nil, errors.Wrapf(err, "<%s> ignoreCase", d.Type)
	}
	props := d.operands(PropertyOperand)
	cmp, err := NewComparison(op, vt, ignoreCase, props[0], d.operands(ValueOperand)...)
	if err != nil {
		return nil, err
	}
	return cmp, nil
}

// coerceStrict parses a numeric literal, reporting failure.
func coerceStrict(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f, err == nil
}
