package policy

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespace of the policy document root element.
const (
	Namespace  = "http://gridsched.twitter.com/schemas/ExecutionPolicy.xsd"
	RootPrefix = "grid"
	RootName   = "ExecutionPolicy"
)

const indentUnit = "  "

// ToXML renders p as a complete policy document.
func ToXML(p Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s:%s xmlns:%s=\"%s\">\n", RootPrefix, RootName, RootPrefix, Namespace)
	if p == nil {
		b.WriteString(indentUnit + "<AcceptAll/>\n")
	} else {
		b.WriteString(p.Render(1))
	}
	fmt.Fprintf(&b, "</%s:%s>\n", RootPrefix, RootName)
	return b.String()
}

func pad(indent int) string {
	return strings.Repeat(indentUnit, indent)
}

func escape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func writeElement(b *strings.Builder, indent int, tag, text string) {
	fmt.Fprintf(b, "%s<%s>%s</%s>\n", pad(indent), tag, escape(text), tag)
}

func writeEmpty(b *strings.Builder, indent int, tag string) {
	fmt.Fprintf(b, "%s<%s/>\n", pad(indent), tag)
}

func renderChildren(b *strings.Builder, indent int, children []Policy) {
	for _, c := range children {
		if c == nil {
			writeEmpty(b, indent, "AcceptAll")
			continue
		}
		b.WriteString(c.Render(indent))
	}
}

func (c *Comparison) Render(indent int) string {
	var b strings.Builder
	spec := operators[c.op]
	fmt.Fprintf(&b, "%s<%s", pad(indent), c.op)
	if spec.typed {
		fmt.Fprintf(&b, " valueType=\"%s\"", c.valueType)
	}
	if spec.caseFlag {
		fmt.Fprintf(&b, " ignoreCase=\"%t\"", c.ignoreCase)
	}
	b.WriteString(">\n")
	writeElement(&b, indent+1, "Property", c.left.raw)
	for _, v := range c.values {
		writeElement(&b, indent+1, "Value", v.Raw())
	}
	fmt.Fprintf(&b, "%s</%s>\n", pad(indent), c.op)
	return b.String()
}

func (r *LogicalRule) Render(indent int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s<%s>\n", pad(indent), r.kind)
	renderChildren(&b, indent+1, r.children)
	fmt.Fprintf(&b, "%s</%s>\n", pad(indent), r.kind)
	return b.String()
}

func (p *Preference) Render(indent int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s<Preference>\n", pad(indent))
	renderChildren(&b, indent+1, p.children)
	fmt.Fprintf(&b, "%s</Preference>\n", pad(indent))
	return b.String()
}

func (r *SubnetRule) Render(indent int) string {
	tag := "IsInIPv4Subnet"
	if r.v6 {
		tag = "IsInIPv6Subnet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s<%s>\n", pad(indent), tag)
	for _, s := range r.subnets {
		writeElement(&b, indent+1, "Subnet", s.Raw())
	}
	fmt.Fprintf(&b, "%s</%s>\n", pad(indent), tag)
	return b.String()
}

func (r *ConstantRule) Render(indent int) string {
	var b strings.Builder
	if r.accept {
		writeEmpty(&b, indent, "AcceptAll")
	} else {
		writeEmpty(&b, indent, "RejectAll")
	}
	return b.String()
}

func (r *FlagRule) Render(indent int) string {
	var b strings.Builder
	writeEmpty(&b, indent, r.tag)
	return b.String()
}

func (r *ScriptRule) Render(indent int) string {
	body := strings.Replace(r.source, "]]>", "]]]]><![CDATA[>", -1)
	return fmt.Sprintf("%s<Script language=\"%s\"><![CDATA[%s]]></Script>\n", pad(indent), escape(r.language), body)
}

func (p *CustomPolicy) Render(indent int) string {
	var b strings.Builder
	if len(p.args) == 0 {
		fmt.Fprintf(&b, "%s<CustomRule class=\"%s\"/>\n", pad(indent), escape(p.name))
		return b.String()
	}
	fmt.Fprintf(&b, "%s<CustomRule class=\"%s\">\n", pad(indent), escape(p.name))
	for _, a := range p.args {
		writeElement(&b, indent+1, "Arg", a)
	}
	fmt.Fprintf(&b, "%s</CustomRule>\n", pad(indent))
	return b.String()
}

func (r *NodesMatchingRule) Render(indent int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s<NodesMatching operator=\"%s\" expected=\"%s\"", pad(indent), r.op, escape(r.expected.Raw()))
	if len(r.children) == 0 {
		b.WriteString("/>\n")
		return b.String()
	}
	b.WriteString(">\n")
	renderChildren(&b, indent+1, r.children)
	fmt.Fprintf(&b, "%s</NodesMatching>\n", pad(indent))
	return b.String()
}
