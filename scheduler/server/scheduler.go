package server

import (
	"context"

	"github.com/twitter/gridsched/scheduler/domain"
)

// Scheduler is the client facing side of the driver.
type Scheduler interface {
	Submit(header *domain.JobHeader, tasks []domain.TaskDefinition) (*ClientBundle, error)

	Cancel(jobUUID string) bool

	Update(jobUUID string, sla domain.JobSLA, metadata domain.JobMetadata) error

	Suspend(jobUUID string, suspended bool) error

	Run(ctx context.Context) error
}

var _ Scheduler = (*Driver)(nil)
