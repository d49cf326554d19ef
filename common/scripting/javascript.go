package scripting

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robertkrimen/otto"
)

// DefaultScriptTimeout bounds a single evaluation so a looping script cannot
// stall a scheduling pass.
const DefaultScriptTimeout = 2 * time.Second

var errHalt = errors.New("script evaluation timed out")

type javaScriptEngine struct {
	timeout time.Duration
}

// NewJavaScriptEngine returns an ECMAScript 5 engine. A fresh interpreter is
// used for every evaluation, so bindings never leak between calls. A timeout
// <= 0 disables the limit.
func NewJavaScriptEngine(timeout time.Duration) Engine {
	return &javaScriptEngine{timeout: timeout}
}

func (e *javaScriptEngine) Languages() []string {
	return []string{"javascript", "js", "ecmascript"}
}

func (e *javaScriptEngine) Eval(source string, bindings map[string]interface{}) (result interface{}, err error) {
	vm := otto.New()
	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, errors.Wrapf(err, "binding %q", name)
		}
	}

	if e.timeout > 0 {
		vm.Interrupt = make(chan func(), 1)
		timer := time.AfterFunc(e.timeout, func() {
			vm.Interrupt <- func() { panic(errHalt) }
		})
		defer timer.Stop()
		defer func() {
			if caught := recover(); caught != nil {
				if caught == errHalt {
					result, err = nil, errHalt
					return
				}
				panic(caught)
			}
		}()
	}

	value, err := vm.Run(source)
	if err != nil {
		return nil, err
	}
	if value.IsUndefined() || value.IsNull() {
		return nil, nil
	}
	return value.Export()
}
