package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/store"
)

// Injector is the narrow slice of bus.Bus the scheduler needs: publishing a
// synthesized message directly to its owning conversation.
type Injector interface {
	InjectScheduled(msg bus.Message) error
}

// Scheduler owns the persistent job table and the single polling clock that
// fires due jobs.
type Scheduler struct {
	store        *store.Store
	bus          Injector
	pollInterval time.Duration
}

// New builds a Scheduler over an already-open Store and a bus to publish
// fired jobs onto.
func New(s *store.Store, b Injector, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Scheduler{store: s, bus: b, pollInterval: pollInterval}
}

// Submit validates sub's schedule and persists a new active job. An invalid
// cron expression, interval, or past "once" timestamp is rejected with no
// state change.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (*store.ScheduledJobRow, error) {
	now := time.Now()

	next, err := parseSchedule(sub.ScheduleKind, sub.ScheduleValue, now)
	if err != nil {
		return nil, fmt.Errorf("rejected job submission for %s: %w", sub.Owner, err)
	}

	row := &store.ScheduledJobRow{
		ID:            uuid.NewString(),
		Owner:         sub.Owner,
		ScheduleKind:  string(sub.ScheduleKind),
		ScheduleValue: sub.ScheduleValue,
		Prompt:        sub.Prompt,
		ContextMode:   string(sub.ContextMode),
		Status:        string(StatusActive),
		NextRun:       next.UTC(),
	}

	if err := s.store.InsertJob(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to persist job for %s: %w", sub.Owner, err)
	}
	return row, nil
}

// Pause, Resume, and Cancel are thin wrappers over SetJobStatus for the
// admin surface's manual controls.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.store.SetJobStatus(ctx, id, string(StatusPaused))
}

func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.store.SetJobStatus(ctx, id, string(StatusActive))
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.store.SetJobStatus(ctx, id, string(StatusCancelled))
}

// Run polls for due jobs on a single ticker until ctx is cancelled. An
// immediate scan happens before entering the loop so overdue jobs from
// before a restart fire exactly once; next-run is then recomputed from
// "now", never catching up per missed slot.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.scanOnce(ctx); err != nil {
		log.Printf("[SCHEDULER] initial scan failed: %v", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.scanOnce(ctx); err != nil {
				log.Printf("[SCHEDULER] scan failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) error {
	now := time.Now()

	due, err := s.store.DueJobs(ctx, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to list due jobs: %w", err)
	}

	for _, j := range due {
		s.fire(ctx, j, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, j *store.ScheduledJobRow, firedAt time.Time) {
	msg := bus.Message{
		Conversation:    j.Owner,
		Author:          "scheduler",
		Body:            j.Prompt,
		DeliveryID:      uuid.NewString(),
		OriginTimestamp: firedAt,
		Scheduled:       true,
	}

	var result string
	if err := s.bus.InjectScheduled(msg); err != nil {
		log.Printf("[SCHEDULER] failed to inject fire for job %s: %v", j.ID, err)
		result = fmt.Sprintf("inject failed: %v", err)
	} else {
		result = "injected"
	}

	next, err := nextRunAfterFire(Kind(j.ScheduleKind), j.ScheduleValue, firedAt)
	if err != nil {
		log.Printf("[SCHEDULER] failed to compute next run for job %s: %v", j.ID, err)
		return
	}

	if err := s.store.RecordJobRun(ctx, j.ID, firedAt.UTC(), result, next.UTC()); err != nil {
		log.Printf("[SCHEDULER] failed to record run for job %s: %v", j.ID, err)
	}

	if Kind(j.ScheduleKind) == KindOnce {
		if err := s.store.SetJobStatus(ctx, j.ID, string(StatusCancelled)); err != nil {
			log.Printf("[SCHEDULER] failed to cancel completed once-job %s: %v", j.ID, err)
		}
	}
}
