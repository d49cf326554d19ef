package policy

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// OperandKind tells which element an operand came from.
type OperandKind string

const (
	PropertyOperand OperandKind = "Property"
	ValueOperand    OperandKind = "Value"
	SubnetOperand   OperandKind = "Subnet"
)

type Operand struct {
	Kind OperandKind
	Text string
}

// Descriptor is the parsed form of one policy element, before it is turned
// into a Policy by a Builder.
type Descriptor struct {
	Type     string
	Attrs    map[string]string
	Operands []Operand
	Args     []string
	Script   string
	Children []*Descriptor
}

// Attr returns the named attribute or def when absent.
func (d *Descriptor) Attr(name, def string) string {
	if v, ok := d.Attrs[name]; ok {
		return v
	}
	return def
}

func (d *Descriptor) operands(kind OperandKind) []string {
	var out []string
	for _, o := range d.Operands {
		if o.Kind == kind {
			out = append(out, o.Text)
		}
	}
	return out
}

// ParseDescriptor reads a policy document. The root may be the namespaced
// ExecutionPolicy wrapper or a bare policy element.
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, errors.New("empty policy document")
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading policy document")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != RootName {
			return decodeElement(d, start)
		}
		return decodeRoot(d)
	}
}

func decodeRoot(d *xml.Decoder) (*Descriptor, error) {
	var policy *Descriptor
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "reading policy document")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if policy != nil {
				return nil, errors.Errorf("%s holds a single policy, found another <%s>", RootName, t.Name.Local)
			}
			if policy, err = decodeElement(d, t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			if policy == nil {
				return nil, errors.Errorf("%s is empty", RootName)
			}
			return policy, nil
		}
	}
}

func decodeElement(d *xml.Decoder, start xml.StartElement) (*Descriptor, error) {
	desc := &Descriptor{Type: start.Name.Local, Attrs: map[string]string{}}
	for _, a := range start.Attr {
		desc.Attrs[a.Name.Local] = a.Value
	}
	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errors.Wrapf(err, "reading <%s>", desc.Type)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch OperandKind(t.Name.Local) {
			case PropertyOperand, ValueOperand, SubnetOperand:
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return nil, errors.Wrapf(err, "reading <%s>", t.Name.Local)
				}
				if OperandKind(t.Name.Local) != ValueOperand {
					s = strings.TrimSpace(s)
				}
				desc.Operands = append(desc.Operands, Operand{OperandKind(t.Name.Local), s})
			case "Arg":
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return nil, errors.Wrap(err, "reading <Arg>")
				}
				desc.Args = append(desc.Args, s)
			default:
				child, err := decodeElement(d, t)
				if err != nil {
					return nil, err
				}
				desc.Children = append(desc.Children, child)
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if desc.Type == "Script" {
				desc.Script = text.String()
			}
			return desc, nil
		}
	}
}

// Parse reads a policy document and builds it with the default builder.
func Parse(r io.Reader) (Policy, error) {
	return NewBuilder(nil).ParseFrom(r)
}

// ParseString is Parse over a string.
func ParseString(doc string) (Policy, error) {
	return Parse(strings.NewReader(doc))
}

// Validate checks a policy document without building it, reporting every
// problem found rather than the first one.
func Validate(r io.Reader) error {
	d, err := ParseDescriptor(r)
	if err != nil {
		return err
	}
	return NewBuilder(nil).check(d, true)
}

// checker collects problems while walking a descriptor tree.
type checker struct {
	errs   *multierror.Error
	strict bool
	custom *CustomRegistry
}

func (c *checker) addf(d *Descriptor, format string, args ...interface{}) {
	c.errs = multierror.Append(c.errs, errors.Errorf("<"+d.Type+">: "+format, args...))
}

func (c *checker) walk(d *Descriptor) {
	switch d.Type {
	case "AND", "OR", "XOR", "Preference":
		if len(d.Children) == 0 && d.Type != "Preference" && c.strict {
			c.addf(d, "needs at least one nested policy")
		}
	case "NOT":
		if len(d.Children) != 1 {
			c.addf(d, "needs exactly one nested policy, found %d", len(d.Children))
		}
	case "NodesMatching":
		if len(d.Children) > 1 {
			c.addf(d, "takes at most one nested policy, found %d", len(d.Children))
		}
		if _, err := ParseCountOperator(d.Attr("operator", "EQUAL")); err != nil {
			c.addf(d, "%v", err)
		}
		c.checkNumber(d, d.Attr("expected", "0"))
	case "IsInIPv4Subnet", "IsInIPv6Subnet":
		subnets := d.operands(SubnetOperand)
		if len(subnets) == 0 {
			c.addf(d, "needs at least one <Subnet>")
		}
		for _, s := range subnets {
			if IsExpression(s) {
				continue
			}
			if _, err := parseNetmask(s, d.Type == "IsInIPv6Subnet"); err != nil {
				c.addf(d, "%v", err)
			}
		}
	case "CustomRule":
		name := d.Attr("class", "")
		if name == "" {
			c.addf(d, "missing class attribute")
		} else if c.strict && c.custom != nil && !contains(c.custom.Names(), name) {
			c.addf(d, "no custom rule registered as %q", name)
		}
	case "Script":
		if strings.TrimSpace(d.Script) == "" {
			c.addf(d, "empty script")
		}
	case "AcceptAll", "RejectAll", "IsMasterNode", "IsSlaveNode", "IsLocalChannel", "IsPeerDriver":
	default:
		op, ok := operatorByName(d.Type)
		if !ok {
			c.addf(d, "unknown policy element")
			break
		}
		c.checkComparison(d, op)
	}
	if d.Type != "AND" && d.Type != "OR" && d.Type != "XOR" && d.Type != "NOT" &&
		d.Type != "Preference" && d.Type != "NodesMatching" && len(d.Children) > 0 {
		c.addf(d, "does not take nested policies")
	}
	for _, child := range d.Children {
		c.walk(child)
	}
}

func (c *checker) checkComparison(d *Descriptor, op Operator) {
	spec := operators[op]
	props := d.operands(PropertyOperand)
	values := d.operands(ValueOperand)
	if len(props) != 1 {
		c.addf(d, "needs exactly one <Property>, found %d", len(props))
	}
	switch {
	case spec.arity >= 0 && len(values) != spec.arity:
		c.addf(d, "needs %d <Value>, found %d", spec.arity, len(values))
	case spec.arity < 0 && len(values) == 0:
		c.addf(d, "needs at least one <Value>")
	}
	vt := spec.valueType
	if vt == declaredType {
		var err error
		if vt, err = ParseValueType(d.Attr("valueType", "string")); err != nil {
			c.addf(d, "%v", err)
		}
	}
	if ic := d.Attr("ignoreCase", "false"); !isBool(ic) {
		c.addf(d, "ignoreCase must be true or false, found %q", ic)
	}
	if op == OpRegExp && len(values) == 1 && !IsExpression(values[0]) {
		if _, err := compilePattern(values[0]); err != nil {
			c.addf(d, "%v", err)
		}
	}
	if vt == ValueNumeric {
		for _, v := range values {
			c.checkNumber(d, v)
		}
	}
}

func (c *checker) checkNumber(d *Descriptor, v string) {
	if !c.strict || IsExpression(v) {
		return
	}
	if _, ok := coerceStrict(v); !ok {
		c.addf(d, "%q is neither a number nor an expression", v)
	}
}

func isBool(s string) bool {
	_, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
