package policy

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/twitter/gridsched/common/scripting"
)

// ScriptRule accepts a node when its script returns true. The script sees
// the bindings described in the package documentation. After the first
// failure the rule stops running the script and rejects every node.
type ScriptRule struct {
	node
	language string
	source   string
	failed   int32
}

func Script(language, source string) *ScriptRule {
	if strings.TrimSpace(language) == "" {
		language = scripting.DefaultLanguage
	}
	r := &ScriptRule{language: language, source: source}
	r.init(r)
	return r
}

func (r *ScriptRule) Language() string { return r.language }
func (r *ScriptRule) Source() string   { return r.source }

// Failed reports whether the script has been disabled by an earlier error.
func (r *ScriptRule) Failed() bool { return atomic.LoadInt32(&r.failed) == 1 }

func (r *ScriptRule) Accepts(info Properties) (bool, error) {
	if r.Failed() {
		return false, nil
	}
	s := r.scope(info)
	v, err := s.runner().Run(r.language, r.source, s.bindings())
	if err != nil {
		atomic.StoreInt32(&r.failed, 1)
		return false, errors.Wrap(err, "script policy disabled")
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	return strings.EqualFold(fmt.Sprint(v), "true"), nil
}
