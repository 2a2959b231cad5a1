package services

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aprovia/workflow/internal/domain/ports"
	apperrors "github.com/aprovia/workflow/pkg/errors"
)

// ExpiryService is the scheduled collaborator that moves instances past
// their deadline to the expired state. Deadlines are advisory inside the
// synchronous engine; this sweep is the only thing that enforces them.
type ExpiryService struct {
	engine    *EngineService
	instances ports.InstanceRepository
	cron      *cron.Cron
}

// NewExpiryService creates a new ExpiryService
func NewExpiryService(engine *EngineService, instances ports.InstanceRepository) *ExpiryService {
	return &ExpiryService{
		engine:    engine,
		instances: instances,
	}
}

// Start schedules the sweep with a standard cron expression and runs one
// sweep immediately.
func (s *ExpiryService) Start(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return err
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			log.Printf("⚠️ Expiry sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("⏰ Expiry sweep scheduled: %s", schedule)

	return s.Sweep(context.Background())
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *ExpiryService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	log.Println("⏰ Expiry sweep stopped")
}

// Sweep expires every overdue instance. Each instance is its own
// transaction so one failure does not hold up the rest; an instance that a
// racing decision just completed is skipped quietly.
func (s *ExpiryService) Sweep(ctx context.Context) error {
	overdue, err := s.instances.ListOverdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, instance := range overdue {
		if err := s.engine.Expire(ctx, instance.OrgID, instance.ID); err != nil {
			if apperrors.IsConflict(err) {
				continue // decided or expired concurrently
			}
			log.Printf("⚠️ Failed to expire instance %s: %v", instance.ID, err)
		}
	}
	return nil
}
