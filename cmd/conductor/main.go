package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/canvasmesh/conductor/internal/arbiter"
	"github.com/canvasmesh/conductor/internal/conductor"
	"github.com/canvasmesh/conductor/internal/config"
	"github.com/canvasmesh/conductor/internal/controlplane"
	"github.com/canvasmesh/conductor/internal/lock"
	"github.com/canvasmesh/conductor/internal/model"
	"github.com/canvasmesh/conductor/internal/queue"
	"github.com/canvasmesh/conductor/internal/telemetry"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runConductor(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "check-config":
		runCheckConfig(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: conductor <command> [options]

commands:
  run           start the worker process
  enqueue       push a task onto a redis-backed queue
  check-config  load and print the effective configuration
  version       print the version
  help          print this message

options for run and check-config:
  -config <path>   configuration file (default: $CONDUCTOR_CONFIG)
`)
}

func configPath(fs *flag.FlagSet, args []string) string {
	path := fs.String("config", os.Getenv("CONDUCTOR_CONFIG"), "configuration file")
	fs.Parse(args)
	return *path
}

func runConductor(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := configPath(fs, args)

	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Worker.DataDir, 0755); err != nil {
		fatalf("create data dir: %v", err)
	}

	// One conductor per data dir.
	fileLock := lock.NewFileLock(filepath.Join(cfg.Worker.DataDir, "conductor.lock"))
	if err := fileLock.TryLock(); err != nil {
		fatalf("acquire process lock: %v", err)
	}
	defer fileLock.Unlock()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fatalf("build queue store: %v", err)
	}
	defer closeStore()

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		fatalf("build telemetry sink: %v", err)
	}
	defer closeSink()

	resolver, fileResolver := buildResolver(cfg)

	logWriter, closeLog, err := openLog(cfg.Worker.DataDir)
	if err != nil {
		fatalf("open log: %v", err)
	}
	defer closeLog()

	c := conductor.New(conductor.Options{
		WorkerID:          cfg.Worker.ID,
		Scope:             model.ParseRuntimeScope(cfg.Worker.RuntimeScope),
		MaxConcurrency:    cfg.Worker.MaxConcurrency,
		LocalCapacity:     cfg.Worker.LocalCapacity,
		ClaimBatch:        cfg.Worker.ClaimBatch,
		DeadLetterDir:     filepath.Join(cfg.Worker.DataDir, "dead_letter"),
		SeedSettings:      cfg.Seeds.Settings(),
		SettingsRefresh:   cfg.Seeds.SettingsRefresh(),
		ScopeRequeueDelay: cfg.Seeds.ScopeRequeueDelay(),
		HeartbeatInterval: cfg.Seeds.HeartbeatInterval(),
		CapacityBackoff:   cfg.Seeds.CapacityBackoff(),
		CrashCooldown:     cfg.Seeds.CrashCooldown(),
		LogLevel:          cfg.Logging.Level,
		LogWriter:         logWriter,
	}, store, arbiter.NewLocalArbiter(cfg.Seeds.ArbiterResultTTL()), resolver, sink)

	registerBuiltins(c)

	if fileResolver != nil {
		// Knob-file edits apply without waiting for the periodic refresh.
		if err := fileResolver.Watch(func() { c.RefreshSettings() }); err != nil {
			fatalf("watch knob file: %v", err)
		}
		defer fileResolver.Close()
	}

	go waitSignals(c)

	if err := c.Run(); err != nil {
		fatalf("conductor: %v", err)
	}
}

// registerBuiltins installs the handlers that ship with the binary.
// Deployments with real task bodies embed the conductor package and register
// their own.
func registerBuiltins(c *conductor.Conductor) {
	c.Handle(model.TypeCanvasNoop, func(ctx context.Context, task model.Task) (map[string]any, error) {
		return map[string]any{"status": "noop"}, nil
	})
}

func waitSignals(c *conductor.Conductor) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	<-sigCh
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "second signal, forcing exit")
		os.Exit(1)
	}()
	c.Shutdown()
}

func buildStore(cfg config.Config) (queue.Store, func(), error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryStore(), func() {}, nil
	case "redis":
		store, err := queue.NewRedisStore(cfg.Queue.Address, cfg.Queue.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildSink(cfg config.Config) (telemetry.Sink, func(), error) {
	switch cfg.Telemetry.Backend {
	case "nop":
		return telemetry.NopSink{}, func() {}, nil
	case "memory":
		return telemetry.NewMemorySink(), func() {}, nil
	case "nats":
		sink, err := telemetry.NewNATSSink(cfg.Telemetry.Address, cfg.Telemetry.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { sink.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown telemetry backend %q", cfg.Telemetry.Backend)
	}
}

func buildResolver(cfg config.Config) (controlplane.Resolver, *controlplane.FileResolver) {
	if cfg.ControlPlane.KnobFile == "" {
		return controlplane.StaticResolver{}, nil
	}
	fr := controlplane.NewFileResolver(cfg.ControlPlane.KnobFile)
	return fr, fr
}

func openLog(dataDir string) (io.Writer, func(), error) {
	logPath := filepath.Join(dataDir, "logs", "conductor.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return io.MultiWriter(f, os.Stderr), func() { f.Close() }, nil
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	path := fs.String("config", os.Getenv("CONDUCTOR_CONFIG"), "configuration file")
	taskID := fs.String("id", "", "task id (default: generated)")
	taskType := fs.String("type", model.TypeCanvasNoop, "task type")
	roomKey := fs.String("room", "", "room key")
	paramsJSON := fs.String("params", "", "task parameters as JSON")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if cfg.Queue.Backend != "redis" {
		fatalf("enqueue requires the redis queue backend, config has %q", cfg.Queue.Backend)
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fatalf("parse params: %v", err)
		}
	}

	id := *taskID
	if id == "" {
		id = model.NewID(model.IDTypeExecution)
	}

	store, err := queue.NewRedisStore(cfg.Queue.Address, cfg.Queue.Prefix)
	if err != nil {
		fatalf("connect queue: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task := model.Task{ID: id, Type: *taskType, RoomKey: *roomKey, Params: params}
	if err := store.Enqueue(ctx, task); err != nil {
		fatalf("enqueue: %v", err)
	}
	fmt.Printf("enqueued %s type=%s room=%s\n", id, *taskType, *roomKey)
}

func runCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	path := configPath(fs, args)

	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config: %v", err)
	}

	settings := cfg.Seeds.Settings()
	fmt.Printf("worker id:         %s\n", cfg.Worker.ID)
	fmt.Printf("runtime scope:     %s\n", cfg.Worker.RuntimeScope)
	fmt.Printf("max concurrency:   %d\n", cfg.Worker.MaxConcurrency)
	fmt.Printf("queue backend:     %s\n", cfg.Queue.Backend)
	fmt.Printf("telemetry backend: %s\n", cfg.Telemetry.Backend)
	fmt.Printf("knob file:         %s\n", cfg.ControlPlane.KnobFile)
	fmt.Printf("room concurrency:  %d\n", settings.RoomConcurrency)
	fmt.Printf("lease ttl:         %s\n", settings.LeaseTTL)
	fmt.Printf("retry budget:      %d attempts, %s..%s backoff\n",
		settings.MaxRetryAttempts, settings.RetryBaseDelay, settings.RetryMaxDelay)
	fmt.Println("config ok")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
