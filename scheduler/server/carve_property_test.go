package server

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"
	log "github.com/sirupsen/logrus"
)

type carveCase struct {
	tasks int
	sizes []int
}

// GopterGenCarveCase generates a job size and a sequence of carve sizes.
func GopterGenCarveCase() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		c := &carveCase{tasks: genParams.Rng.Intn(40)}
		for i := genParams.Rng.Intn(12); i >= 0; i-- {
			c.sizes = append(c.sizes, genParams.Rng.Intn(10))
		}
		return gopter.NewGenResult(c, gopter.NoShrinker)
	}
}

func Test_CarveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("carve takes min(k, pending) tasks from the front, in order", prop.ForAll(
		func(c *carveCase) bool {
			h := testHeader("prop")
			defs := testDefsN("t", c.tasks)
			j := NewServerJob(h, nil, NewClientBundle(h, defs))

			var carved []string
			for _, k := range c.sizes {
				pending := j.PendingTaskCount()
				want := k
				if want > pending {
					want = pending
				}
				nb := j.Carve(k)
				if nb.TaskCount() != want || nb.Header().TaskCount != want {
					log.Infof("carve(%d) of %d pending returned %d tasks", k, pending, nb.TaskCount())
					return false
				}
				if j.PendingTaskCount() != pending-want {
					log.Infof("carve(%d) of %d pending left %d", k, pending, j.PendingTaskCount())
					return false
				}
				carved = append(carved, payloads(nb.Tasks())...)
			}
			for i, p := range carved {
				if p != string(defs[i].Data) {
					log.Infof("task %d carved out of order: %s", i, p)
					return false
				}
			}
			return len(carved)+j.PendingTaskCount() == c.tasks
		},
		GopterGenCarveCase(),
	))

	properties.TestingRun(t)
}
