package policy

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// CustomRule is a predicate provided by the application. It is created by a
// registered factory from the string arguments found in the policy.
type CustomRule interface {
	Accepts(info Properties, ctx *Context) (bool, error)
}

// CustomRuleFunc adapts a function to CustomRule.
type CustomRuleFunc func(info Properties, ctx *Context) (bool, error)

func (f CustomRuleFunc) Accepts(info Properties, ctx *Context) (bool, error) {
	return f(info, ctx)
}

type CustomFactory func(args []string) (CustomRule, error)

// CustomRegistry maps the names used in <CustomRule class="..."> to factories.
type CustomRegistry struct {
	mu        sync.RWMutex
	factories map[string]CustomFactory
}

func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{factories: map[string]CustomFactory{}}
}

// DefaultCustomRules is consulted by builders that were not given a registry.
var DefaultCustomRules = NewCustomRegistry()

func (r *CustomRegistry) Register(name string, factory CustomFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *CustomRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New instantiates the rule registered under name.
func (r *CustomRegistry) New(name string, args ...string) (*CustomPolicy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no custom rule registered as %q", name)
	}
	rule, err := f(args)
	if err != nil {
		return nil, errors.Wrapf(err, "creating custom rule %q", name)
	}
	return Custom(name, rule, args...), nil
}

// CustomPolicy wraps an application rule in a policy node.
type CustomPolicy struct {
	node
	name string
	args []string
	rule CustomRule
}

func Custom(name string, rule CustomRule, args ...string) *CustomPolicy {
	p := &CustomPolicy{name: name, args: args, rule: rule}
	p.init(p)
	return p
}

func (p *CustomPolicy) Name() string   { return p.name }
func (p *CustomPolicy) Args() []string { return p.args }

func (p *CustomPolicy) Accepts(info Properties) (bool, error) {
	if p.rule == nil {
		return false, errors.Errorf("custom rule %q has no implementation", p.name)
	}
	return p.rule.Accepts(info, p.Context())
}
