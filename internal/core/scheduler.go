package core

// scheduler.go triggers conversion passes in the background.
//
// Passes run every Period, once immediately on start, and (when WatchDir is
// set) shortly after files under the input directory change. A scheduled
// tick that fires while a pass is still running is skipped; a watch trigger
// waits for the running pass instead, so appended data is never missed.
//
// The scheduler is long-running and context-aware for graceful shutdown. It
// logs failed passes but never stops because of one; the next pass resumes
// from the checkpoint.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// DefaultWatchDebounce is how long the watcher waits for writes to settle.
const DefaultWatchDebounce = 2 * time.Second

// Runner runs conversion passes.
type Runner interface {
	Run(ctx context.Context) (*RunSummary, error)
	RunQueued(ctx context.Context) (*RunSummary, error)
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Period     time.Duration // How often to run (required)
	RunOnStart bool          // Run once immediately on Start
	WatchDir   string        // Directory to watch for changes (optional)
	Debounce   time.Duration // Quiet time before a watch trigger (default: 2s)
	Logger     *slog.Logger
}

// Scheduler triggers passes on a Runner.
type Scheduler struct {
	runner Runner
	cfg    SchedulerConfig
	log    *slog.Logger

	cron    *cron.Cron
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler validates cfg and returns an unstarted scheduler.
func NewScheduler(runner Runner, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("scan period must be positive, got %s", cfg.Period)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatchDebounce
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{runner: runner, cfg: cfg, log: log}, nil
}

// Start begins scheduling. Passes get a context derived from ctx; Stop
// cancels it.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelWarn))
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))

	spec := "@every " + s.cfg.Period.String()
	if _, err := s.cron.AddFunc(spec, func() {
		s.runScheduled(runCtx, TriggerSchedule)
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	if s.cfg.WatchDir != "" {
		if err := s.watch(runCtx); err != nil {
			cancel()
			return err
		}
	}

	s.cron.Start()
	s.log.Info("conversion scheduler started",
		"period", s.cfg.Period,
		"watch_dir", s.cfg.WatchDir,
	)

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runScheduled(runCtx, TriggerStartup)
		}()
	}
	return nil
}

// Stop stops scheduling, cancels the running pass and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	cronDone := s.cron.Stop()
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("conversion scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, trigger Trigger) {
	ctx = ContextWithTrigger(ctx, trigger)
	// failed passes are logged by the service
	if _, err := s.runner.Run(ctx); errors.Is(err, ErrRunInProgress) {
		s.log.Info("skipping pass, conversion already running", "trigger", trigger)
	}
}

// watch runs a queued pass once writes under WatchDir have settled.
func (s *Scheduler) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.WatchDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.cfg.WatchDir, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var timer *time.Timer
		fire := make(chan struct{}, 1)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.log.Debug("input changed", "path", event.Name)
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.cfg.Debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})

			case <-fire:
				tctx := ContextWithTrigger(ctx, TriggerWatch)
				if _, err := s.runner.RunQueued(tctx); errors.Is(err, ErrRunInProgress) {
					s.log.Info("skipping watch pass, conversion still running")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("input watcher error", "error", err)
			}
		}
	}()
	return nil
}
