// Package pool implements the warm Container Pool (C7): acquisition
// policy, reuse/age-based eviction, and rate-limited eager warmup over the
// sandbox.Runtime contract.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/sandbox"
)

// State is one position in a pooled instance's lifecycle.
type State string

const (
	StateWarming   State = "warming"
	StateReady     State = "ready"
	StateInUse     State = "in-use"
	StateDraining  State = "draining"
	StateDestroyed State = "destroyed"
)

// defaultWarmingMax bounds warm→ready when a Config leaves WarmingMax unset.
const defaultWarmingMax = 30 * time.Second

// warmingPollInterval is how often spawn polls ReadyCheck while warming.
const warmingPollInterval = 50 * time.Millisecond

// Member is one pooled instance and its bookkeeping.
type Member struct {
	ID          string
	Instance    sandbox.Instance
	State       State
	CreatedAt   time.Time
	ReuseCount  int
	Conversation string // bound conversation while in-use; empty otherwise
}

// Config controls pool sizing and lifecycle thresholds (mirrors
// internal/config.PoolConfig/ContainerConfig/SessionConfig).
type Config struct {
	Min             int
	Max             int
	MaxReuse        int
	SessionMaxAge   time.Duration
	WarmupInterval  time.Duration
	WarmingMax      time.Duration
	SpecFactory     func() sandbox.RuntimeSpec

	// ReadyCheck, if non-nil, is polled at warmingPollInterval while an
	// instance is in StateWarming; spawn only returns once it reports true,
	// or fails the instance once WarmingMax elapses. Nil skips the warming
	// stage entirely and treats every spawned instance as immediately
	// ready, which is what a runtime with no IPC-backed readiness signal
	// (e.g. sandbox.NewLocal used bare, without dispatcher.TaggingRuntime)
	// wants.
	ReadyCheck func(inst sandbox.Instance) bool
}

// Pool is the warm container pool. Its in-memory state is guarded by a
// single short-held mutex for acquire/release; actual spawn/destroy happens
// outside the lock.
type Pool struct {
	runtime sandbox.Runtime
	cfg     Config

	mu               sync.Mutex
	ready            []*Member
	inUse            map[string]*Member
	warming          map[string]*Member
	coldSpawnFallbacks int64
	lastWarmup       time.Time
}

// New builds a pool over the given runtime.
func New(runtime sandbox.Runtime, cfg Config) *Pool {
	return &Pool{
		runtime: runtime,
		cfg:     cfg,
		inUse:   make(map[string]*Member),
		warming: make(map[string]*Member),
	}
}

// Stats is the snapshot the health surface reports.
type Stats struct {
	Total              int
	Ready              int
	InUse              int
	Warming            int
	MaxSize            int
	ReuseCount         int
	ColdSpawnFallbacks int64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	totalReuse := 0
	for _, m := range p.ready {
		totalReuse += m.ReuseCount
	}
	for _, m := range p.inUse {
		totalReuse += m.ReuseCount
	}

	return Stats{
		Total:              len(p.ready) + len(p.inUse) + len(p.warming),
		Ready:              len(p.ready),
		InUse:              len(p.inUse),
		Warming:            len(p.warming),
		MaxSize:            p.cfg.Max,
		ReuseCount:         totalReuse,
		ColdSpawnFallbacks: p.coldSpawnFallbacks,
	}
}

// Acquire implements the acquisition policy: pop a ready instance if one
// exists, else cold-spawn synchronously and serve directly.
func (p *Pool) Acquire(ctx context.Context, conversation string) (*Member, error) {
	p.mu.Lock()
	if len(p.ready) > 0 {
		m := p.ready[len(p.ready)-1]
		p.ready = p.ready[:len(p.ready)-1]
		m.State = StateInUse
		m.Conversation = conversation
		p.inUse[m.ID] = m
		p.mu.Unlock()
		return m, nil
	}
	p.coldSpawnFallbacks++
	p.mu.Unlock()

	m, err := p.spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to cold-spawn instance for %s: %w", conversation, err)
	}

	p.mu.Lock()
	m.State = StateInUse
	m.Conversation = conversation
	p.inUse[m.ID] = m
	p.mu.Unlock()

	return m, nil
}

// spawn creates and starts a brand-new instance outside any pool lock. If
// Config.ReadyCheck is set, the member sits in StateWarming (counted in
// Stats().Warming) until the check passes or WarmingMax elapses, at which
// point a stuck instance is stopped and spawn fails rather than handing
// back a member that never signaled ready.
func (p *Pool) spawn(ctx context.Context) (*Member, error) {
	spec := p.cfg.SpecFactory()

	inst, err := p.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	if err := p.runtime.Start(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to start instance: %w", err)
	}

	m := &Member{
		ID:        uuid.NewString(),
		Instance:  inst,
		State:     StateReady,
		CreatedAt: time.Now().UTC(),
	}

	if p.cfg.ReadyCheck == nil {
		return m, nil
	}
	m.State = StateWarming

	p.mu.Lock()
	p.warming[m.ID] = m
	p.mu.Unlock()

	err = p.awaitReady(ctx, inst)

	p.mu.Lock()
	delete(p.warming, m.ID)
	p.mu.Unlock()

	if err != nil {
		if stopErr := p.runtime.Stop(context.Background(), inst); stopErr != nil {
			log.Printf("[POOL] failed to stop instance %s that never became ready: %v", m.ID, stopErr)
		}
		return nil, err
	}

	m.State = StateReady
	return m, nil
}

// awaitReady polls Config.ReadyCheck until it passes or WarmingMax elapses.
func (p *Pool) awaitReady(ctx context.Context, inst sandbox.Instance) error {
	deadline := p.cfg.WarmingMax
	if deadline <= 0 {
		deadline = defaultWarmingMax
	}
	warmCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(warmingPollInterval)
	defer ticker.Stop()

	for {
		if p.cfg.ReadyCheck(inst) {
			return nil
		}
		select {
		case <-warmCtx.Done():
			return fmt.Errorf("instance did not become ready within %s", deadline)
		case <-ticker.C:
		}
	}
}

// Release returns a member after use. If it's still within MaxReuse and
// SessionMaxAge, it goes back to ready; otherwise it's drained/destroyed.
// Either way, Release may eagerly spawn a replacement warmer if the pool
// has dropped below Min, rate-limited by WarmupInterval.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	m, ok := p.inUse[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("released unknown instance %s", id)
	}
	delete(p.inUse, id)
	m.Conversation = ""
	m.ReuseCount++

	reusable := m.ReuseCount < p.cfg.MaxReuse && time.Since(m.CreatedAt) < p.cfg.SessionMaxAge
	if reusable {
		m.State = StateReady
		p.ready = append(p.ready, m)
		p.mu.Unlock()
		p.maybeWarmup(ctx)
		return nil
	}

	m.State = StateDraining
	p.mu.Unlock()

	if err := p.runtime.Stop(ctx, m.Instance); err != nil {
		log.Printf("[POOL] failed to stop draining instance %s: %v", m.ID, err)
	}
	m.State = StateDestroyed

	p.maybeWarmup(ctx)
	return nil
}

// maybeWarmup eagerly spawns a replacement if the pool is below Min,
// rate-limited by WarmupInterval.
func (p *Pool) maybeWarmup(ctx context.Context) {
	p.mu.Lock()
	below := len(p.ready)+len(p.inUse) < p.cfg.Min
	sinceLast := time.Since(p.lastWarmup)
	if !below || sinceLast < p.cfg.WarmupInterval {
		p.mu.Unlock()
		return
	}
	p.lastWarmup = time.Now()
	p.mu.Unlock()

	go func() {
		m, err := p.spawn(ctx)
		if err != nil {
			log.Printf("[POOL] eager warmup failed: %v", err)
			return
		}
		p.mu.Lock()
		p.ready = append(p.ready, m)
		p.mu.Unlock()
	}()
}

// WarmTo spawns instances synchronously up to Min, used at startup.
func (p *Pool) WarmTo(ctx context.Context, min int) error {
	for {
		p.mu.Lock()
		count := len(p.ready) + len(p.inUse)
		p.mu.Unlock()
		if count >= min {
			return nil
		}

		m, err := p.spawn(ctx)
		if err != nil {
			return fmt.Errorf("failed to warm pool to minimum: %w", err)
		}
		p.mu.Lock()
		p.ready = append(p.ready, m)
		p.mu.Unlock()
	}
}

// Drain forcibly stops every ready and in-use instance (shutdown path).
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	all := append(append([]*Member{}, p.ready...), valuesOf(p.inUse)...)
	p.ready = nil
	p.inUse = make(map[string]*Member)
	p.mu.Unlock()

	for _, m := range all {
		if err := p.runtime.Stop(ctx, m.Instance); err != nil {
			log.Printf("[POOL] failed to stop instance %s during drain: %v", m.ID, err)
		}
	}
}

func valuesOf(m map[string]*Member) []*Member {
	out := make([]*Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
