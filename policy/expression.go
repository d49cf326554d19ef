package policy

import (
	"fmt"
	"io/ioutil"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ValueType governs how operands are coerced and compared.
type ValueType int

const (
	ValueString ValueType = iota
	ValueNumeric
	ValueBoolean
)

var valueTypeNames = [...]string{"string", "numeric", "boolean"}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// ParseValueType accepts the names used by the XML grammar, case insensitive.
func ParseValueType(s string) (ValueType, error) {
	for i, n := range valueTypeNames {
		if strings.EqualFold(strings.TrimSpace(s), n) {
			return ValueType(i), nil
		}
	}
	return ValueString, errors.Errorf("unknown value type %q", s)
}

var (
	substitutionPattern = regexp.MustCompile(`\$\{([^}]*)\}`)
	scriptPattern       = regexp.MustCompile(`(?s)^\$(?:script|S|s)(?::([^:{]*))?(?::([^:{]*))?\{(.*)\}\$$`)
)

// Prefix of substitutions read from the process environment, like ${env.HOME}.
const envPrefix = "env."

// Script source kinds.
const (
	ScriptInline = "inline"
	ScriptFile   = "file"
	ScriptURL    = "url"
)

// IsExpression reports whether s contains a ${property} substitution or is a
// $script:...{...}$ expression. It is purely syntactic.
func IsExpression(s string) bool {
	return substitutionPattern.MatchString(s) || scriptPattern.MatchString(strings.TrimSpace(s))
}

// Expression is either a literal value, resolved once at construction, or
// text evaluated against node properties on every call.
type Expression struct {
	raw       string
	valueType ValueType
	literal   bool
	value     interface{}
}

// NewExpression returns an expression for raw. Text that is not an
// expression is a literal of the given type; a numeric literal that does not
// parse is 0 and a boolean literal other than "true" is false.
func NewExpression(t ValueType, raw string) *Expression {
	e := &Expression{raw: raw, valueType: t}
	if !IsExpression(raw) {
		e.literal = true
		e.value = coerce(t, raw)
	}
	return e
}

func NumberLiteral(v float64) *Expression {
	return &Expression{raw: formatNumber(v), valueType: ValueNumeric, literal: true, value: v}
}

func StringLiteral(v string) *Expression {
	return &Expression{raw: v, valueType: ValueString, literal: true, value: v}
}

func BoolLiteral(v bool) *Expression {
	return &Expression{raw: strconv.FormatBool(v), valueType: ValueBoolean, literal: true, value: v}
}

func (e *Expression) Raw() string          { return e.raw }
func (e *Expression) IsLiteral() bool      { return e.literal }
func (e *Expression) ValueType() ValueType { return e.valueType }

func (e *Expression) String() string { return e.raw }

// Evaluate returns a float64, string or bool depending on the value type.
func (e *Expression) Evaluate(info Properties) (interface{}, error) {
	return e.eval(&scope{info: info})
}

func (e *Expression) eval(s *scope) (interface{}, error) {
	if e.literal {
		return e.value, nil
	}
	text := substitute(e.raw, s.info)
	if m := scriptPattern.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		v, err := runScriptExpression(s, m[1], m[2], m[3])
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating %q", e.raw)
		}
		return coerceValue(e.valueType, v), nil
	}
	return coerce(e.valueType, text), nil
}

func (e *Expression) number(s *scope) (float64, error) {
	v, err := e.eval(s)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (e *Expression) text(s *scope) (string, error) {
	v, err := e.eval(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// substitute replaces every ${name} with the node property of that name, or
// with the environment variable for ${env.NAME}. Unknown names are left as is.
func substitute(text string, info Properties) string {
	return substitutionPattern.ReplaceAllStringFunc(text, func(ref string) string {
		name := strings.TrimSpace(ref[2 : len(ref)-1])
		if strings.HasPrefix(name, envPrefix) {
			if v, ok := os.LookupEnv(name[len(envPrefix):]); ok {
				return v
			}
			return ref
		}
		if v, ok := GetProperty(info, name); ok {
			return v
		}
		log.Debugf("unresolved property reference %s", ref)
		return ref
	})
}

func runScriptExpression(s *scope, language, kind, body string) (interface{}, error) {
	source := body
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "i", ScriptInline:
	case "f", ScriptFile:
		b, err := ioutil.ReadFile(strings.TrimSpace(body))
		if err != nil {
			return nil, errors.Wrap(err, "reading script file")
		}
		source = string(b)
	case "u", ScriptURL:
		return nil, errors.Errorf("url scripts are not supported: %s", body)
	default:
		return nil, errors.Errorf("unknown script source kind %q", kind)
	}
	return s.runner().Run(strings.TrimSpace(language), source, s.bindings())
}

func coerce(t ValueType, text string) interface{} {
	switch t {
	case ValueNumeric:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return float64(0)
		}
		return f
	case ValueBoolean:
		return strings.EqualFold(strings.TrimSpace(text), "true")
	}
	return text
}

// coerceValue converts a script result to the expression type.
func coerceValue(t ValueType, v interface{}) interface{} {
	if v == nil {
		return coerce(t, "")
	}
	switch t {
	case ValueNumeric:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		case uint32:
			return float64(n)
		case uint64:
			return float64(n)
		}
	case ValueBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
	case ValueString:
		if str, ok := v.(string); ok {
			return str
		}
	}
	return coerce(t, fmt.Sprint(v))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// operand is the left hand side of a comparison: either a plain property
// name looked up on the node or an expression evaluated to the rule's type.
type operand struct {
	raw  string
	expr *Expression
}

func newOperand(t ValueType, raw string) operand {
	o := operand{raw: raw}
	if IsExpression(raw) {
		o.expr = NewExpression(t, raw)
	}
	return o
}

// resolve returns the operand value, or false when the property is missing
// or does not convert to t.
func (o operand) resolve(s *scope, t ValueType) (interface{}, bool, error) {
	if o.expr != nil {
		v, err := o.expr.eval(s)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	text, ok := GetProperty(s.info, o.raw)
	if !ok {
		return nil, false, nil
	}
	switch t {
	case ValueNumeric:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, false, nil
		}
		return f, true, nil
	case ValueBoolean:
		return strings.EqualFold(strings.TrimSpace(text), "true"), true, nil
	}
	return text, true, nil
}
