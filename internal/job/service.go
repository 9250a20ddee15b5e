// Package job holds the job model, its Postgres store and job creation.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
)

// Creator persists new jobs.
type Creator interface {
	Create(ctx context.Context, in CreateInput) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
}

// Service creates and reads jobs on behalf of the job-creation collaborator.
type Service struct {
	store Creator
	now   func() time.Time
}

// NewService creates a Service.
func NewService(store Creator) *Service {
	return &Service{store: store, now: time.Now}
}

// Create validates in and stores it. A recurring template's first run is its
// scheduledAt when given, otherwise the pattern's next activation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Job, error) {
	if err := in.Validate(); err != nil {
		return nil, apierr.New(apierr.CodeValidation, err.Error())
	}

	if in.IsRecurring {
		next := in.ScheduledAt
		if next == nil {
			t, err := NextRun(in.RecurrencePattern, s.now())
			if err != nil {
				return nil, apierr.New(apierr.CodeValidation, "recurrencePattern is not a valid schedule")
			}
			next = &t
		}
		in.NextRunAt = next
		in.ScheduledAt = nil
	}

	j, err := s.store.Create(ctx, in)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return j, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "job not found")
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return j, nil
}
