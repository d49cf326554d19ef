package policy

import (
	"github.com/luci/go-render/render"

	"github.com/twitter/gridsched/common/scripting"
	"github.com/twitter/gridsched/common/stats"
)

// NodeCounter answers how many live nodes a policy accepts. Only the driver
// can provide one.
type NodeCounter interface {
	CountNodesMatching(p Policy) int
}

// Context describes the job a policy is evaluated for. It is attached to the
// root of a tree and read by scripts, custom rules and NodesMatching.
type Context struct {
	JobSLA       interface{}
	JobClientSLA interface{}
	JobMetadata  map[string]string
	Dispatches   int
	Stats        stats.StatsReceiver

	// Live cluster view, nil outside the driver.
	Nodes NodeCounter

	// Script engines, scripting.Default when nil.
	Scripts scripting.Runner
}

func (c *Context) String() string {
	if c == nil {
		return "<nil>"
	}
	return render.Render(struct {
		JobSLA       interface{}
		JobClientSLA interface{}
		JobMetadata  map[string]string
		Dispatches   int
	}{c.JobSLA, c.JobClientSLA, c.JobMetadata, c.Dispatches})
}
