package server

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	cc "github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common/log/helpers"
	"github.com/twitter/gridsched/scheduler/domain"
)

func init() {
	log.SetLevel(helpers.LevelFromEnv(helpers.LogLevelEnv, log.ErrorLevel))
}

func testHeader(uuid string) *domain.JobHeader {
	return &domain.JobHeader{
		UUID: uuid,
		Name: uuid,
		SLA:  domain.JobSLA{MaxDispatchExpirations: 1},
	}
}

func testDefs(payloads ...string) []domain.TaskDefinition {
	defs := make([]domain.TaskDefinition, len(payloads))
	for i, p := range payloads {
		defs[i] = domain.TaskDefinition{TaskID: p, Data: []byte(p)}
	}
	return defs
}

func testDefsN(prefix string, n int) []domain.TaskDefinition {
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return testDefs(payloads...)
}

// echoResults answers every task of nb with "r-" and its payload.
func echoResults(nb *NodeBundle) []TaskResult {
	results := make([]TaskResult, nb.TaskCount())
	for i, t := range nb.Tasks() {
		results[i] = TaskResult{Data: append([]byte("r-"), t.Payload()...)}
	}
	return results
}

func payloads(tasks []*ServerTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = string(t.Payload())
	}
	return out
}

// bundleRecorder counts client bundle notifications.
type bundleRecorder struct {
	mu        sync.Mutex
	completed map[string]int
	ended     map[string]int
}

func newBundleRecorder() *bundleRecorder {
	return &bundleRecorder{completed: map[string]int{}, ended: map[string]int{}}
}

func (r *bundleRecorder) watch(bundles ...*ClientBundle) {
	for _, b := range bundles {
		b.AddListener(r)
	}
}

func (r *bundleRecorder) TasksCompleted(b *ClientBundle, tasks []*ServerTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[b.ID()]++
}

func (r *bundleRecorder) BundleEnded(b *ClientBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[b.ID()]++
}

func (r *bundleRecorder) counts(b *ClientBundle) (completed, ended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[b.ID()], r.ended[b.ID()]
}

// jobRecorder counts job notifications.
type jobRecorder struct {
	mu         sync.Mutex
	dispatched []string
	returned   []string
	reasons    []domain.JobReturnReason
	updated    int
	ended      int
}

func (r *jobRecorder) JobDispatched(j *ServerJob, nb *NodeBundle, node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, node)
}

func (r *jobRecorder) JobReturned(j *ServerJob, nb *NodeBundle, node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned = append(r.returned, node)
	r.reasons = append(r.reasons, nb.ReturnReason())
}

func (r *jobRecorder) JobUpdated(j *ServerJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated++
}

func (r *jobRecorder) JobEnded(j *ServerJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

const cpuPolicy = `<AtLeast><Property>cpus</Property><Value>4</Value></AtLeast>`

const preferBigNodes = `<Preference>
  <AtLeast><Property>cpus</Property><Value>8</Value></AtLeast>
  <AtLeast><Property>cpus</Property><Value>2</Value></AtLeast>
</Preference>`

func cpuNode(id string, cpus int) cc.Node {
	return cc.NewPropertiesNode(id, cc.PropertiesFromMap(map[string]map[string]string{
		cc.SystemProperties: {"cpus": fmt.Sprint(cpus)},
	}))
}
