// Command andy is the runtime's single-process entrypoint: it opens the
// Store, wires the Memory Core (C1-C4) behind its HTTP surface, wires the
// Dispatcher Core (C5-C8, C12) over a pooled sandbox runtime, starts the
// Scheduler and Heartbeat clocks, and serves the Health/Admin surface —
// one process per host, grounded on the teacher's cmd/cliaimonitor/main.go
// flag-parsing and graceful-shutdown shape.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/channels"
	"github.com/andyrt/andy/internal/config"
	"github.com/andyrt/andy/internal/dispatcher"
	"github.com/andyrt/andy/internal/health"
	"github.com/andyrt/andy/internal/heartbeat"
	"github.com/andyrt/andy/internal/memlayers"
	"github.com/andyrt/andy/internal/memoryapi"
	"github.com/andyrt/andy/internal/notify"
	"github.com/andyrt/andy/internal/pool"
	"github.com/andyrt/andy/internal/queue"
	"github.com/andyrt/andy/internal/retrieval"
	"github.com/andyrt/andy/internal/sandbox"
	"github.com/andyrt/andy/internal/scheduler"
	"github.com/andyrt/andy/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/andy.yaml", "runtime configuration file")
	dataDir := flag.String("data-dir", "data", "base directory for the database, IPC slots, and snapshots")
	memoryAddr := flag.String("memory-addr", ":8090", "Memory API listen address")
	healthAddr := flag.String("health-addr", ":8091", "Health/Admin surface listen address")
	vectorAddr := flag.String("vector-addr", "", "qdrant host:port; empty disables vector-side retrieval")
	agentCommand := flag.String("agent-command", "andy-agent", "command the pool spawns for one turn")
	agentArgs := flag.String("agent-args", "", "comma-separated args passed to -agent-command")
	flag.Parse()

	basePath, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine working directory: %v\n", err)
		os.Exit(1)
	}
	if !filepath.IsAbs(*dataDir) {
		*dataDir = filepath.Join(basePath, *dataDir)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var vectors store.VectorCollection
	if *vectorAddr != "" {
		q, err := store.NewQdrantCollection(*vectorAddr, 1536)
		if err != nil {
			log.Printf("[ANDY] vector backend unavailable, degrading to lexical-only retrieval: %v", err)
		} else {
			vectors = q
			defer q.Close()
		}
	}

	dbPath := filepath.Join(*dataDir, "memory.sqlite3")
	s, err := store.Open(dbPath, vectors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	// NOTE: embedding provider integration deferred, matching the teacher's
	// own deferred LM Studio wiring. Without one, writes skip the vector
	// side and retrieval degrades to lexical-only per spec §4.2.
	var embed retrieval.Embedder

	if report, err := s.Reconcile(context.Background(), nil); err != nil {
		log.Printf("[ANDY] startup reconciliation failed: %v", err)
	} else {
		log.Printf("[ANDY] reconciled store: %d FTS rows rebuilt", report.FTSRowsRebuilt)
	}

	engine := retrieval.New(s, embed, cfg.Memory.CacheTTL, cfg.Memory.ThaiNLPURL)

	fabric, err := bus.NewFabric()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start message fabric: %v\n", err)
		os.Exit(1)
	}
	defer fabric.Close()

	b := bus.New(fabric, cfg.Bus.DebounceWindow, cfg.Bus.DedupeWindow)
	qm := queue.New(s, cfg.Queue.Capacity, nil)

	layers := memlayers.New(s, engine.InvalidateCache)
	memAPIEmbed := memoryapi.Embedder(embed)
	memServer := memoryapi.New(engine, layers, s, memAPIEmbed, resolveMemoryToken(cfg))

	ipcRoot := filepath.Join(*dataDir, "ipc")
	if err := os.MkdirAll(ipcRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create ipc root: %v\n", err)
		os.Exit(1)
	}
	runtime := dispatcher.NewTaggingRuntime(sandbox.NewLocal(), ipcRoot)

	specArgs := splitArgs(*agentArgs)
	p := pool.New(runtime, pool.Config{
		Min:            cfg.Pool.Min,
		Max:            cfg.Pool.Max,
		MaxReuse:       cfg.Pool.MaxReuse,
		SessionMaxAge:  cfg.Session.MaxAge,
		WarmupInterval: cfg.Pool.WarmupInterval,
		WarmingMax:     cfg.Container.WarmingMax,
		SpecFactory: func() sandbox.RuntimeSpec {
			return sandbox.RuntimeSpec{
				Command:          *agentCommand,
				Args:             specArgs,
				MemoryLimitBytes: cfg.Container.MemoryLimitBytes,
				CPULimit:         cfg.Container.CPULimit,
			}
		},
		ReadyCheck: func(inst sandbox.Instance) bool {
			slot, ok := dispatcher.SlotOf(inst)
			if !ok {
				return true
			}
			return slot.IsReady()
		},
	})

	hmacSecret := resolveHMACSecret(cfg)
	pollInterval := cfg.IPC.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	outputTimeout := cfg.Container.OutputTimeout
	if outputTimeout <= 0 {
		outputTimeout = 60 * time.Second
	}
	d := dispatcher.New(b, fabric, qm, p, hmacSecret, outputTimeout, pollInterval)

	sched := scheduler.New(s, b, cfg.Scheduler.PollInterval)

	var indicator *notify.Indicator
	if cfg.Heartbeat.UseIndicator {
		indicator = notify.NewIndicator("andy")
	}
	tracker := &heartbeatTracker{runner: d}
	hb := heartbeat.New(s, tracker, d, indicator, heartbeat.Gates{
		ShowOK:        cfg.Heartbeat.ShowOK,
		ShowAlerts:    cfg.Heartbeat.ShowAlerts,
		UseIndicator:  cfg.Heartbeat.UseIndicator,
		DeliveryMuted: cfg.Heartbeat.DeliveryMuted,
	}, cfg.Heartbeat.IntervalMS, cfg.Heartbeat.AlertCooldownMS)

	provider := &compositeProvider{dispatcher: d, store: s, heartbeat: tracker}
	controls := health.NewControls(
		sched.Pause, sched.Resume,
		s,
		func(ctx context.Context, dl *store.DeadLetterRow) error {
			var entry queue.Entry
			if err := json.Unmarshal([]byte(dl.EntrySnapshot), &entry); err != nil {
				return fmt.Errorf("failed to decode dead letter snapshot %s: %w", dl.ID, err)
			}
			_, err := qm.Enqueue(ctx, dl.Conversation, entry.Body, entry.Author, dl.DeliveryID, time.Now().UTC(), entry.OriginTS)
			return err
		},
		d.DrainConversation,
	)
	healthServer := health.New(provider, controls, 50)

	// Local development registers the "main" conversation over a stub
	// adapter wired to stdin/stdout, per internal/channels' doc comment —
	// no concrete messaging-platform adapter ships with this runtime.
	mainConv := bus.Conversation{ID: "main", Display: "main", Folder: "main", IsMain: true, Created: time.Now().UTC()}
	stub := channels.NewStub("console", false)
	stub.OnReceive(func(conversationID, author, body, deliveryID string, originTimestamp time.Time) error {
		b.Admit(bus.Message{
			Conversation:    conversationID,
			Author:          author,
			Body:            body,
			DeliveryID:      deliveryID,
			OriginTimestamp: originTimestamp,
		})
		return nil
	})
	if err := d.RegisterConversation(mainConv, stub); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register main conversation: %v\n", err)
		os.Exit(1)
	}
	go consoleLoop(stub, mainConv.ID)

	if err := p.WarmTo(context.Background(), cfg.Pool.Min); err != nil {
		log.Printf("[ANDY] initial pool warmup incomplete: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[ANDY] scheduler stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := hb.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[ANDY] heartbeat stopped: %v", err)
		}
	}()

	healthServer.StartBroadcast(5 * time.Second)

	memHTTP := &http.Server{Addr: *memoryAddr, Handler: memServer.Router()}
	healthHTTP := &http.Server{Addr: *healthAddr, Handler: healthServer.Router()}

	serverErr := make(chan error, 2)
	go func() { serverErr <- memHTTP.ListenAndServe() }()
	go func() { serverErr <- healthHTTP.ListenAndServe() }()

	log.Printf("[ANDY] memory API listening on %s", *memoryAddr)
	log.Printf("[ANDY] health surface listening on %s", *healthAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[ANDY] server error: %v", err)
		}
	case <-shutdown:
		log.Println("[ANDY] shutting down (signal received)")
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = memHTTP.Shutdown(shutdownCtx)
	_ = healthHTTP.Shutdown(shutdownCtx)
	healthServer.Stop()
	d.UnregisterConversation(mainConv.ID)
	p.Drain(shutdownCtx)

	log.Println("[ANDY] goodbye")
}

// consoleLoop feeds stdin lines into the stub adapter as inbound messages
// and prints whatever the dispatcher sends back, for local interactive use
// in place of a real messaging-platform adapter. Replies print from a
// separate poller since a turn completes well after OnMessage returns.
func consoleLoop(stub *channels.Stub, conversationID string) {
	go func() {
		printed := 0
		for {
			time.Sleep(200 * time.Millisecond)
			sent := stub.Sent()
			for _, s := range sent[printed:] {
				fmt.Printf("[%s] %s\n", s.SenderTag, s.Body)
			}
			printed = len(sent)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := stub.OnMessage(conversationID, "user", line, uuid.NewString(), time.Now().UTC()); err != nil {
			log.Printf("[ANDY] console message rejected: %v", err)
		}
	}
}

// heartbeatTracker wraps a Runner and records the time of its most recent
// call, giving the Health Provider a HeartbeatLastAt value without the
// heartbeat package itself needing to expose internal state.
type heartbeatTracker struct {
	runner heartbeat.Runner
	mu     sync.Mutex
	lastAt time.Time
}

func (t *heartbeatTracker) RunTurn(ctx context.Context, owner, prompt string) (string, error) {
	out, err := t.runner.RunTurn(ctx, owner, prompt)
	t.mu.Lock()
	t.lastAt = time.Now().UTC()
	t.mu.Unlock()
	return out, err
}

func (t *heartbeatTracker) LastAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAt
}

// compositeProvider assembles health.Provider from the Dispatcher's
// operational view and the Store's document counts.
type compositeProvider struct {
	dispatcher *dispatcher.Dispatcher
	store      *store.Store
	heartbeat  *heartbeatTracker
}

func (p *compositeProvider) PoolStats() health.PoolSnapshot     { return p.dispatcher.PoolStats() }
func (p *compositeProvider) QueueDepths() map[string]int        { return p.dispatcher.QueueDepths() }
func (p *compositeProvider) ChannelsConnected() map[string]bool { return p.dispatcher.ChannelsConnected() }
func (p *compositeProvider) HeartbeatLastAt() time.Time         { return p.heartbeat.LastAt() }

// RecentErrors is served by health.Server's own error ring (populated via
// RecordError from components that catch a failure), not this provider;
// the Provider interface still requires it so callers other than Snapshot
// can query the same component surface uniformly.
func (p *compositeProvider) RecentErrors(limit int) []health.ErrorEntry {
	return nil
}

func (p *compositeProvider) MemoryStats() health.MemorySnapshot {
	ctx := context.Background()
	var total int64
	var lastIndexed time.Time
	layers := []store.Layer{store.LayerUserModel, store.LayerProcedural, store.LayerSemantic, store.LayerEpisodic, store.LayerLegacy}
	for _, layer := range layers {
		docs, err := p.store.ListDocuments(ctx, store.SearchFilter{Layers: []store.Layer{layer}, Limit: 10000, IncludePrivate: true})
		if err != nil {
			continue
		}
		total += int64(len(docs))
		for _, d := range docs {
			if d.UpdatedAt.After(lastIndexed) {
				lastIndexed = d.UpdatedAt
			}
		}
	}
	return health.MemorySnapshot{LastIndexed: lastIndexed, TotalDocs: int(total)}
}

func resolveMemoryToken(cfg *config.Config) string {
	if tok := os.Getenv("ANDY_MEMORY_API_TOKEN"); tok != "" {
		return tok
	}
	return cfg.Memory.APIToken
}

func resolveHMACSecret(cfg *config.Config) []byte {
	if secret := os.Getenv("ANDY_IPC_HMAC_SECRET"); secret != "" {
		return []byte(secret)
	}
	if cfg.IPC.HMACSecret != "" {
		return []byte(cfg.IPC.HMACSecret)
	}
	return []byte("andy-dev-secret-change-me")
}

func splitArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
