package heartbeat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/andyrt/andy/internal/notify"
	"github.com/andyrt/andy/internal/store"
)

// Runner executes one heartbeat prompt through the full dispatcher
// pipeline (queue, pool, sandbox, IPC) and returns the agent's framed
// output text.
type Runner interface {
	RunTurn(ctx context.Context, owner, prompt string) (string, error)
}

// Deliverer sends a heartbeat result to its owning conversation's channel.
type Deliverer interface {
	Deliver(ctx context.Context, owner, message string) error
}

// Manager ticks DueHeartbeatJobs, runs each through Runner, classifies the
// result against okToken, and gates delivery by Gates.
type Manager struct {
	store        *store.Store
	runner       Runner
	deliverer    Deliverer
	indicator    *notify.Indicator
	gates        Gates
	pollInterval time.Duration
	dedupe       *alertDedupe
}

// New builds a Manager. indicator may be nil if no desktop toast backend
// is available on this platform.
func New(s *store.Store, runner Runner, deliverer Deliverer, indicator *notify.Indicator, gates Gates, pollInterval, alertCooldown time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Manager{
		store:        s,
		runner:       runner,
		deliverer:    deliverer,
		indicator:    indicator,
		gates:        gates,
		pollInterval: pollInterval,
		dedupe:       newAlertDedupe(alertCooldown),
	}
}

// Run ticks until ctx is cancelled, firing every due heartbeat job.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.scanOnce(ctx); err != nil {
				log.Printf("[HEARTBEAT] scan failed: %v", err)
			}
		}
	}
}

func (m *Manager) scanOnce(ctx context.Context) error {
	due, err := m.store.DueHeartbeatJobs(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list due heartbeat jobs: %w", err)
	}

	for _, j := range due {
		go m.fire(ctx, j)
	}
	return nil
}

func (m *Manager) fire(ctx context.Context, j *store.HeartbeatJobRow) {
	firedAt := time.Now()
	if err := m.store.RecordHeartbeatRun(ctx, j.ID, firedAt.UTC(), firedAt.Add(m.pollInterval).UTC()); err != nil {
		log.Printf("[HEARTBEAT] failed to advance next_run for job %s: %v", j.ID, err)
	}

	out, err := m.runner.RunTurn(ctx, j.Owner, j.Prompt)
	if err != nil {
		log.Printf("[HEARTBEAT] job %s failed to run: %v", j.ID, err)
		return
	}

	outcome := classify(j, out, firedAt)
	m.handle(ctx, outcome)
}

func classify(j *store.HeartbeatJobRow, output string, firedAt time.Time) Outcome {
	trimmed := strings.TrimSpace(output)
	return Outcome{
		JobID:   j.ID,
		Owner:   j.Owner,
		IsOK:    trimmed == okToken,
		Message: trimmed,
		FiredAt: firedAt,
	}
}

// handle applies the four delivery knobs and the alert-dedupe cooldown.
func (m *Manager) handle(ctx context.Context, o Outcome) {
	if o.IsOK {
		if !m.gates.ShowOK {
			return
		}
		if !m.gates.DeliveryMuted {
			m.deliver(ctx, o.Owner, "heartbeat ok")
		}
		return
	}

	if !m.gates.ShowAlerts {
		return
	}
	if !m.dedupe.shouldDeliver(o.Message, o.FiredAt) {
		log.Printf("[HEARTBEAT] suppressing repeated alert for job %s (within cooldown)", o.JobID)
		return
	}

	if m.gates.UseIndicator && m.indicator != nil {
		if err := m.indicator.ShowAlert("Heartbeat alert", o.Message); err != nil {
			log.Printf("[HEARTBEAT] toast indicator failed: %v", err)
		}
	}
	if !m.gates.DeliveryMuted {
		m.deliver(ctx, o.Owner, o.Message)
	}
}

func (m *Manager) deliver(ctx context.Context, owner, message string) {
	if m.deliverer == nil {
		return
	}
	if err := m.deliverer.Deliver(ctx, owner, message); err != nil {
		log.Printf("[HEARTBEAT] failed to deliver to %s: %v", owner, err)
	}
}
