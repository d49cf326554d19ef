package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/server"
)

// JobSpec is one job of a --jobs file.
type JobSpec struct {
	UUID            string            `json:"UUID"`
	Name            string            `json:"Name"`
	Priority        int               `json:"Priority"`
	MaxNodes        int               `json:"MaxNodes"`
	Broadcast       bool              `json:"Broadcast"`
	ExecutionPolicy string            `json:"ExecutionPolicy"`
	Expiration      string            `json:"Expiration"` // duration from submission
	Metadata        map[string]string `json:"Metadata"`
	Tasks           []string          `json:"Tasks"`
}

// ReadJobs parses a JSON array of JobSpec.
func ReadJobs(path string) ([]JobSpec, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading jobs file %s", path)
	}
	var jobs []JobSpec
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, errors.Wrapf(err, "parsing jobs file %s", path)
	}
	return jobs, nil
}

// Header builds the job header submitted for s.
func (s JobSpec) Header(now time.Time) (*domain.JobHeader, error) {
	h := &domain.JobHeader{
		UUID:     s.UUID,
		Name:     s.Name,
		Metadata: domain.JobMetadata(s.Metadata),
		SLA: domain.JobSLA{
			Priority:        s.Priority,
			MaxNodes:        s.MaxNodes,
			Broadcast:       s.Broadcast,
			ExecutionPolicy: s.ExecutionPolicy,
		},
	}
	if s.Expiration != "" {
		d, err := time.ParseDuration(s.Expiration)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s expiration", s.Name)
		}
		h.SLA.Expiration = now.Add(d)
	}
	return h, nil
}

func (s JobSpec) definitions() []domain.TaskDefinition {
	defs := make([]domain.TaskDefinition, len(s.Tasks))
	for i, t := range s.Tasks {
		defs[i] = domain.TaskDefinition{TaskID: fmt.Sprintf("%s-%d", s.Name, i), Data: []byte(t)}
	}
	return defs
}

// SubmitAndWait submits every job to d and waits for all of them, printing
// one line per task result to out. Every submission or wait failure is
// reported.
func SubmitAndWait(ctx context.Context, d server.Scheduler, jobs []JobSpec, out io.Writer) error {
	var result *multierror.Error
	type submitted struct {
		spec   JobSpec
		bundle *server.ClientBundle
	}
	var pending []submitted
	for _, spec := range jobs {
		h, err := spec.Header(time.Now())
		if err == nil {
			var b *server.ClientBundle
			if b, err = d.Submit(h, spec.definitions()); err == nil {
				pending = append(pending, submitted{spec, b})
				continue
			}
		}
		result = multierror.Append(result, errors.Wrapf(err, "submitting job %s", spec.Name))
	}

	for _, p := range pending {
		if err := p.bundle.Wait(ctx); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "waiting for job %s", p.spec.Name))
			continue
		}
		log.WithFields(log.Fields{"job": p.spec.Name, "jobUUID": p.bundle.Header().UUID}).Info("job completed")
		for _, t := range p.bundle.Tasks() {
			if t.Err() != nil {
				fmt.Fprintf(out, "%s[%d] %v: %v\n", p.spec.Name, t.Position(), t.State(), t.Err())
			} else {
				fmt.Fprintf(out, "%s[%d] %v: %s\n", p.spec.Name, t.Position(), t.State(), t.Result())
			}
		}
	}
	return result.ErrorOrNil()
}
