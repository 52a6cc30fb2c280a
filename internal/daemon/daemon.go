// Package daemon wires the batchpilot process together: checkpoint store,
// event bus, extension bridge, scheduler, and the control socket. One daemon
// runs per pilot directory, enforced by an flock.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/mkurosawa/batchpilot/internal/checkpoint"
	"github.com/mkurosawa/batchpilot/internal/events"
	"github.com/mkurosawa/batchpilot/internal/lock"
	"github.com/mkurosawa/batchpilot/internal/model"
	"github.com/mkurosawa/batchpilot/internal/notify"
	"github.com/mkurosawa/batchpilot/internal/resolve"
	"github.com/mkurosawa/batchpilot/internal/runner"
	"github.com/mkurosawa/batchpilot/internal/scheduler"
	"github.com/mkurosawa/batchpilot/internal/uds"
	yamlutil "github.com/mkurosawa/batchpilot/internal/yaml"
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

// Daemon is the main batchpilot daemon process.
type Daemon struct {
	pilotDir string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	store   *trackingStore
	bus     *events.Bus
	journal *events.Journal
	hub     *events.Hub
	bridge  *runner.ReconnectingBridge
	sched   *scheduler.Scheduler

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to logs/daemon.log under the pilot directory.
func New(pilotDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(pilotDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(pilotDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(pilotDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(w, "", log.LstdFlags)

	server := uds.NewServer(filepath.Join(pilotDir, cfg.Daemon.SocketName), logger)
	if cfg.Daemon.ConnTimeoutSec > 0 {
		server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)
	}

	return &Daemon{
		pilotDir: pilotDir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(pilotDir, "locks", "daemon.lock")),
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.pilotDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	backend, err := buildStore(d.pilotDir, d.config)
	if err != nil {
		d.cleanup()
		return err
	}
	if err := backend.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start checkpoint store: %w", err)
	}
	d.store = &trackingStore{Store: backend}

	d.bus = events.NewBus(d.config.Observer.BufferSize)

	journal, err := events.NewJournal(filepath.Join(d.pilotDir, "logs", "events.jsonl"), events.DefaultMaxJournalSize)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open event journal: %w", err)
	}
	d.journal = journal
	d.bus.SubscribeAll(d.journal.Record)

	if d.config.Observer.ListenAddr != "" {
		d.hub = events.NewHub(d.bus, d.logger)
		addr := d.config.Observer.ListenAddr
		d.group.Go(func() error {
			if err := d.hub.Serve(addr); err != nil {
				d.log(LogLevelError, "observer hub: %v", err)
			}
			return nil
		})
		d.log(LogLevelInfo, "observer hub listening on %s", addr)
	}

	run, err := d.buildRunner()
	if err != nil {
		d.cleanup()
		return err
	}

	sched, err := scheduler.New(d.store, d.bus, run, d.config, d.logger)
	if err != nil {
		if fs, ok := backend.(*checkpoint.FileStore); ok {
			sched, err = d.recoverQueueFile(fs, run, err)
		}
		if err != nil {
			d.cleanup()
			return fmt.Errorf("restore scheduler: %w", err)
		}
	}
	d.sched = sched

	d.subscribeNotifications()

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log(LogLevelInfo, "control socket listening on %s", filepath.Join(d.pilotDir, d.config.Daemon.SocketName))

	if fs, ok := backend.(*checkpoint.FileStore); ok {
		if err := d.watchCheckpoints(fs.Dir()); err != nil {
			d.log(LogLevelWarn, "checkpoint watcher disabled: %v", err)
		}
	}

	d.log(LogLevelInfo, "daemon ready")
	d.waitSignals()
	return nil
}

// recoverQueueFile handles an unreadable queue checkpoint: restore the .bak
// copy if one exists, otherwise quarantine the corrupt file and start from a
// fresh queue. Crash-looping on a torn record helps no one.
func (d *Daemon) recoverQueueFile(fs *checkpoint.FileStore, run runner.Runner, cause error) (*scheduler.Scheduler, error) {
	queueFile := filepath.Join(fs.Dir(), "queue.yaml")
	d.log(LogLevelWarn, "queue checkpoint unreadable: %v", cause)

	if err := yamlutil.RestoreFromBackup(queueFile); err == nil {
		if sched, err := scheduler.New(d.store, d.bus, run, d.config, d.logger); err == nil {
			d.log(LogLevelWarn, "queue checkpoint restored from backup")
			return sched, nil
		}
	}

	if err := yamlutil.Quarantine(d.pilotDir, queueFile); err != nil {
		return nil, fmt.Errorf("quarantine queue checkpoint: %w", err)
	}
	d.log(LogLevelWarn, "queue checkpoint quarantined, starting fresh")
	return scheduler.New(d.store, d.bus, run, d.config, d.logger)
}

// buildStore selects the checkpoint backend from config. Relative paths are
// anchored at the pilot directory.
func buildStore(pilotDir string, cfg model.Config) (checkpoint.Store, error) {
	anchor := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(pilotDir, p)
	}
	switch cfg.Checkpoint.Backend {
	case "file", "":
		return checkpoint.NewFileStore(anchor(cfg.Checkpoint.Dir)), nil
	case "sqlite":
		return checkpoint.NewSQLiteStore(anchor(cfg.Checkpoint.DSN)), nil
	case "memory":
		return checkpoint.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// buildRunner assembles the bridge, resolution engine, and script runner.
func (d *Daemon) buildRunner() (runner.Runner, error) {
	table := resolve.DefaultTable()
	hintsPath := filepath.Join(d.pilotDir, "hints.yaml")
	if _, err := os.Stat(hintsPath); err == nil {
		loaded, err := resolve.LoadTable(hintsPath)
		if err != nil {
			return nil, fmt.Errorf("load hint table: %w", err)
		}
		table = loaded
		d.log(LogLevelInfo, "loaded %d resolution hints from %s", len(table), hintsPath)
	}

	engine := resolve.NewEngine(table, d.logger)
	engine.SetFallbackHook(func(target string, kind resolve.StrategyKind) {
		d.log(LogLevelWarn, "target %q resolved via fallback strategy %s", target, kind)
		d.bus.Publish(events.EventResolveFallback, map[string]any{
			"target":   target,
			"strategy": string(kind),
		})
	})

	d.bridge = runner.NewReconnectingBridge(
		d.config.Bridge.Endpoint,
		time.Duration(d.config.Bridge.SnapshotTimeoutSec)*time.Second,
		d.logger,
	)

	scripts, err := d.loadScripts()
	if err != nil {
		return nil, err
	}
	return runner.NewScriptRunner(d.bridge, engine, nil, scripts, d.logger), nil
}

// loadScripts reads per-job scripts from scripts.yaml when present; jobs
// without an entry run the default generate-and-download workflow.
func (d *Daemon) loadScripts() (runner.ScriptSource, error) {
	path := filepath.Join(d.pilotDir, "scripts.yaml")
	scripts, err := runner.LoadScripts(path)
	if os.IsNotExist(err) {
		return runner.StaticScripts{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	d.log(LogLevelInfo, "loaded %d job scripts from %s", len(scripts), path)
	return scripts, nil
}

// subscribeNotifications raises a desktop notification when a batch reaches
// a terminal state or halts on a checkpoint failure.
func (d *Daemon) subscribeNotifications() {
	var mu sync.Mutex
	var wasCompleted bool
	d.bus.Subscribe(events.EventQueueStateChanged, func(e events.Event) {
		q, ok := e.Data["queue"].(*model.Queue)
		if !ok {
			return
		}
		mu.Lock()
		fire := q.State == model.QueueStateCompleted && !wasCompleted
		wasCompleted = q.State == model.QueueStateCompleted
		mu.Unlock()
		if !fire {
			return
		}
		if err := notify.Send("batchpilot", fmt.Sprintf("batch completed: %d job(s)", q.Len())); err != nil {
			d.log(LogLevelDebug, "notification: %v", err)
		}
	})
	d.bus.Subscribe(events.EventBatchHalted, func(e events.Event) {
		if err := notify.Send("batchpilot", "batch halted: checkpoint writes are failing"); err != nil {
			d.log(LogLevelDebug, "notification: %v", err)
		}
	})
}

// watchCheckpoints publishes a drift event when a checkpoint file changes on
// disk without the daemon writing it. Usually a human edited state by hand.
func (d *Daemon) watchCheckpoints(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.watcher = watcher

	d.group.Go(func() error {
		for {
			select {
			case <-d.ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				if !strings.HasSuffix(event.Name, ".yaml") {
					continue
				}
				if d.store.wroteWithin(2 * time.Second) {
					continue
				}
				d.log(LogLevelWarn, "checkpoint changed outside daemon: %s", event.Name)
				d.bus.Publish(events.EventCheckpointDrift, map[string]any{
					"file": event.Name,
					"op":   event.Op.String(),
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				d.log(LogLevelError, "checkpoint watcher: %v", err)
			}
		}
	})
	return nil
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}

		if d.sched != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := d.sched.Shutdown(ctx); err != nil {
				d.log(LogLevelWarn, "scheduler shutdown: %v", err)
			}
			cancel()
		}

		if d.hub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.hub.Shutdown(ctx)
			cancel()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}

		done := make(chan struct{})
		go func() {
			_ = d.group.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "background loops drained")
		case <-time.After(10 * time.Second):
			d.log(LogLevelWarn, "shutdown timeout, some loops may be stuck")
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.bridge != nil {
		_ = d.bridge.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	prefix := [...]string{"[DEBUG] ", "[INFO] ", "[WARN] ", "[ERROR] "}[level]
	d.logger.Printf(prefix+format, args...)
}

// trackingStore remembers when the daemon last wrote, so the checkpoint
// watcher can tell its own writes apart from external edits.
type trackingStore struct {
	checkpoint.Store
	mu        sync.Mutex
	lastWrite time.Time
}

func (t *trackingStore) Set(key string, value []byte) error {
	t.mark()
	return t.Store.Set(key, value)
}

func (t *trackingStore) Delete(key string) error {
	t.mark()
	return t.Store.Delete(key)
}

func (t *trackingStore) mark() {
	t.mu.Lock()
	t.lastWrite = time.Now()
	t.mu.Unlock()
}

func (t *trackingStore) wroteWithin(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastWrite) < window
}
