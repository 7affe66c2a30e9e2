// Package conductor implements the task conductor: a worker process that
// leases tasks from a queue, bounds per-room concurrency, executes bodies
// through the mutation arbiter, retries with backoff, and requeues tasks
// whose runtime scope does not match this worker.
package conductor

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canvasmesh/conductor/internal/arbiter"
	"github.com/canvasmesh/conductor/internal/controlplane"
	"github.com/canvasmesh/conductor/internal/model"
	"github.com/canvasmesh/conductor/internal/queue"
	"github.com/canvasmesh/conductor/internal/telemetry"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

type logFunc func(level LogLevel, format string, args ...any)

// Handler executes the body of one task type and returns its result payload.
type Handler func(ctx context.Context, task model.Task) (map[string]any, error)

// Options carries the static (non-hot-reloadable) conductor configuration.
type Options struct {
	WorkerID       string
	Scope          model.RuntimeScope
	MaxConcurrency int
	LocalCapacity  int
	ClaimBatch     int
	DeadLetterDir  string

	SeedSettings      model.RuntimeSettings
	SettingsRefresh   time.Duration
	ScopeRequeueDelay time.Duration
	HeartbeatInterval time.Duration
	CapacityBackoff   time.Duration
	CrashCooldown     time.Duration
	ShutdownTimeout   time.Duration

	LogLevel  string
	LogWriter io.Writer
}

// Conductor is the worker process. All mutable runtime state lives on the
// struct; two conductors in one process never share state.
type Conductor struct {
	workerID       string
	scope          model.RuntimeScope
	maxConcurrency int
	localCapacity  int
	claimBatch     int
	deadLetterDir  string

	requeueDelay      time.Duration
	heartbeatInterval time.Duration
	capacityBackoff   time.Duration
	crashCooldown     time.Duration
	shutdownTimeout   time.Duration

	store    queue.Store
	arbiter  arbiter.Arbiter
	sink     telemetry.Sink
	settings *SettingsCache
	lanes    *RoomLanes
	handlers map[string]Handler

	logLevel LogLevel
	logger   *log.Logger

	active atomic.Int64
	now    func() time.Time
	jitter func() float64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New wires a conductor from its collaborators. Handlers are registered with
// Handle before Run.
func New(opts Options, store queue.Store, arb arbiter.Arbiter, resolver controlplane.Resolver, sink telemetry.Sink) *Conductor {
	if opts.WorkerID == "" {
		opts.WorkerID = model.NewID(model.IDTypeWorker)
	}
	if opts.Scope == "" {
		opts.Scope = model.ScopeGeneral
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = opts.MaxConcurrency
	}
	if opts.SettingsRefresh <= 0 {
		opts.SettingsRefresh = 30 * time.Second
	}
	if opts.ScopeRequeueDelay <= 0 {
		opts.ScopeRequeueDelay = 300 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.CapacityBackoff <= 0 {
		opts.CapacityBackoff = 250 * time.Millisecond
	}
	if opts.CrashCooldown <= 0 {
		opts.CrashCooldown = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.LogWriter == nil {
		opts.LogWriter = os.Stderr
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conductor{
		workerID:          opts.WorkerID,
		scope:             opts.Scope,
		maxConcurrency:    opts.MaxConcurrency,
		localCapacity:     opts.LocalCapacity,
		claimBatch:        opts.ClaimBatch,
		deadLetterDir:     opts.DeadLetterDir,
		requeueDelay:      opts.ScopeRequeueDelay,
		heartbeatInterval: opts.HeartbeatInterval,
		capacityBackoff:   opts.CapacityBackoff,
		crashCooldown:     opts.CrashCooldown,
		shutdownTimeout:   opts.ShutdownTimeout,
		store:             store,
		arbiter:           arb,
		sink:              sink,
		lanes:             NewRoomLanes(),
		handlers:          make(map[string]Handler),
		logLevel:          parseLogLevel(opts.LogLevel),
		logger:            log.New(opts.LogWriter, "", 0),
		now:               time.Now,
		jitter:            rand.Float64,
		ctx:               ctx,
		cancel:            cancel,
	}
	c.settings = NewSettingsCache(resolver, opts.SeedSettings.Clamp(), opts.SettingsRefresh, c.log)
	return c
}

// Handle registers the body for a task type. Must be called before Run.
func (c *Conductor) Handle(taskType string, h Handler) {
	c.handlers[taskType] = h
}

// ActiveTasks reports how many claimed tasks are currently held.
func (c *Conductor) ActiveTasks() int {
	return int(c.active.Load())
}

// RefreshSettings forces a settings refresh outside the periodic cadence,
// e.g. when the control-plane file changes on disk.
func (c *Conductor) RefreshSettings() {
	c.settings.Refresh(c.ctx, true)
}

// Run starts the scheduler and heartbeat loops and blocks until Shutdown.
func (c *Conductor) Run() error {
	c.log(LogLevelInfo, "conductor starting worker=%s scope=%s max_concurrency=%d pid=%d",
		c.workerID, c.scope, c.maxConcurrency, os.Getpid())

	// Resolve once up front so the first claim uses control-plane values.
	c.settings.Refresh(c.ctx, true)

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.schedulerLoop(ctx) })
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	err := g.Wait()

	// Drain in-flight task goroutines with timeout.
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log(LogLevelInfo, "in-flight tasks drained")
	case <-time.After(c.shutdownTimeout):
		c.log(LogLevelWarn, "shutdown timeout after %s, unfinished leases will expire and redeliver", c.shutdownTimeout)
	}

	c.log(LogLevelInfo, "conductor stopped")
	return err
}

// Shutdown stops the loops (idempotent via sync.Once). Run returns once
// in-flight tasks drain or the shutdown timeout elapses.
func (c *Conductor) Shutdown() {
	c.shutdown.Do(func() {
		c.log(LogLevelInfo, "shutdown started")
		c.cancel()
	})
}

// skipKey is the resource key a scope-mismatch requeue stamps on the task so
// this worker's brokered claims skip it on the next pass.
func (c *Conductor) skipKey() string {
	return "skip:" + c.workerID
}

func (c *Conductor) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s conductor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

func (c *Conductor) trace(ctx context.Context, ev telemetry.TraceEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	if err := c.sink.Trace(ctx, ev); err != nil {
		c.log(LogLevelWarn, "trace emit failed stage=%s task=%s error=%v", ev.Stage, ev.TaskID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
