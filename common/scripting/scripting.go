// Package scripting runs small user scripts on behalf of execution policies.
// Engines are registered per language in a Registry; the Default registry
// carries the javascript engine.
package scripting

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultLanguage is used when a script does not name its language.
const DefaultLanguage = "javascript"

var ErrUnknownLanguage = errors.New("no script engine registered for language")

// Engine evaluates a script source with the given variables in scope and
// returns the value of the last expression.
type Engine interface {
	Languages() []string
	Eval(source string, bindings map[string]interface{}) (interface{}, error)
}

// Runner is the contract consumed by policies.
type Runner interface {
	Run(language, source string, bindings map[string]interface{}) (interface{}, error)
}

// Registry maps language names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: map[string]Engine{}}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register makes e available under every language name it reports. A later
// registration for the same name replaces the earlier one.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lang := range e.Languages() {
		r.engines[strings.ToLower(lang)] = e
	}
}

func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.engines))
	for l := range r.engines {
		langs = append(langs, l)
	}
	return langs
}

func (r *Registry) Run(language, source string, bindings map[string]interface{}) (interface{}, error) {
	if language == "" {
		language = DefaultLanguage
	}
	r.mu.RLock()
	e, ok := r.engines[strings.ToLower(language)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownLanguage, language)
	}
	v, err := e.Eval(source, bindings)
	if err != nil {
		log.WithFields(log.Fields{
			"language": language,
			"err":      err,
		}).Debug("script evaluation failed")
		return nil, errors.Wrapf(err, "%s script failed", language)
	}
	return v, nil
}

// Default is the registry used by policies that were not given one.
var Default = NewRegistry(NewJavaScriptEngine(DefaultScriptTimeout))
