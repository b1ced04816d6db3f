// Package scheduler triggers jobs on their cron schedules, keeps jobs over
// the same resource from overlapping and recovers stalled runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Sentinel errors.
var (
	ErrUnknownJob      = eris.New("scheduler: unknown job")
	ErrAlreadyRunning  = eris.New("scheduler: job is already running")
	ErrResourceBusy    = eris.New("scheduler: resource is held by another job")
	ErrNotControllable = eris.New("scheduler: job does not accept control signals")
)

// JobInfo describes a registered task.
type JobInfo struct {
	Name         string     `json:"name"`
	Resource     string     `json:"resource"`
	Schedule     string     `json:"schedule,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	Active       bool       `json:"active"`
	Checkpointed bool       `json:"checkpointed"`
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns every in-process job run. It implements suture.Service.
type Scheduler struct {
	store store.Store
	cfg   config.SchedulerConfig
	log   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	tasks  map[string]*Task
	held   map[string]string
	runs   map[string]*run
	failed map[string]string // job name to error of its last failed run
	wg     sync.WaitGroup

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Scheduler.
func New(st store.Store, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "scheduler")),
		ctx:     context.Background(),
		tasks:   make(map[string]*Task),
		held:    make(map[string]string),
		runs:    make(map[string]*run),
		failed:  make(map[string]string),
		nowFunc: time.Now,
	}
}

// Register adds a task. Its schedule, if any, is validated here.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return eris.New("scheduler: task needs a name and a run function")
	}
	if t.Resource == "" {
		t.Resource = t.Name
	}
	if t.Schedule != "" {
		sched, err := cron.ParseStandard(t.Schedule)
		if err != nil {
			return eris.Wrapf(err, "scheduler: job %s: parse schedule %q", t.Name, t.Schedule)
		}
		t.sched = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return eris.Errorf("scheduler: job %s registered twice", t.Name)
	}
	s.tasks[t.Name] = &t
	return nil
}

// String implements fmt.Stringer for suture's logs.
func (s *Scheduler) String() string { return "scheduler" }

// Serve reconciles persisted state, then fires scheduled tasks and sweeps for
// stalled runs until ctx is cancelled. In-process runs are cancelled and
// awaited before it returns.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s: s.log.Sugar()}),
	)
	for _, t := range s.sortedTasks() {
		if t.sched == nil {
			continue
		}
		name := t.Name
		c.Schedule(t.sched, cron.FuncJob(func() { s.fire(name) }))
		s.log.Info("job scheduled", zap.String("job", name), zap.String("schedule", t.Schedule))
	}
	c.Start()

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			s.cancelAll()
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("stall sweep failed", zap.Error(err))
			}
		}
	}
}

// Recover repairs state left behind by a killed process: each catalog job's
// offset is reconciled against its processed marks and dead letter entries
// orphaned in retrying go back to pending.
func (s *Scheduler) Recover(ctx context.Context) error {
	for _, t := range s.sortedTasks() {
		if !t.Checkpointed() {
			continue
		}
		if _, err := s.store.EnsureCheckpoint(ctx, t.Name); err != nil {
			return eris.Wrapf(err, "scheduler: ensure checkpoint %s", t.Name)
		}
		offset, err := s.store.ReconcileOffset(ctx, t.Name, t.Kind)
		if err != nil {
			return eris.Wrapf(err, "scheduler: reconcile %s", t.Name)
		}
		s.log.Info("offset reconciled", zap.String("job", t.Name), zap.Int64("offset", offset))
	}
	n, err := s.store.ResetRetryingDLQ(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: reset retrying dlq entries")
	}
	if n > 0 {
		s.log.Info("returned orphaned dlq entries to pending", zap.Int("count", n))
	}
	return nil
}

// fire is the cron callback. A due job is skipped while it is running, while
// its resource is held or while its control signal is not run.
func (s *Scheduler) fire(name string) {
	log := s.log.With(zap.String("job", name))
	t, ok := s.task(name)
	if !ok {
		return
	}
	if t.Checkpointed() {
		ctx, cancel := context.WithTimeout(s.baseCtx(), 10*time.Second)
		cp, err := s.store.GetCheckpoint(ctx, name)
		cancel()
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Error("skipping scheduled run: checkpoint unreadable", zap.Error(err))
			return
		case cp.ControlSignal != model.SignalRun:
			log.Info("skipping scheduled run", zap.String("signal", string(cp.ControlSignal)))
			return
		case cp.IsRunning:
			log.Info("skipping scheduled run: job is running")
			return
		}
	}
	if err := s.Trigger(name); err != nil {
		log.Info("skipping scheduled run", zap.Error(err))
	}
}

// Trigger starts name in the background.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return eris.Wrapf(ErrUnknownJob, "scheduler: trigger %s", name)
	}
	if _, ok := s.runs[name]; ok {
		return eris.Wrapf(ErrAlreadyRunning, "scheduler: trigger %s", name)
	}
	if holder, ok := s.held[t.Resource]; ok {
		return eris.Wrapf(ErrResourceBusy, "scheduler: trigger %s: %s held by %s", name, t.Resource, holder)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[name] = r
	s.held[t.Resource] = name
	s.wg.Add(1)

	go s.execute(ctx, t, r)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, t *Task, r *run) {
	log := s.log.With(zap.String("job", t.Name))
	start := s.nowFunc()
	defer s.wg.Done()
	defer func() {
		p := recover()
		if p != nil {
			log.Error("job panicked", zap.Any("panic", p))
		}
		r.cancel()
		s.mu.Lock()
		if p != nil {
			s.failed[t.Name] = fmt.Sprintf("panic: %v", p)
		}
		delete(s.runs, t.Name)
		delete(s.held, t.Resource)
		s.mu.Unlock()
		close(r.done)
	}()

	log.Debug("job triggered", zap.String("resource", t.Resource))
	err := t.Run(ctx)
	switch {
	case err == nil:
		log.Debug("job run finished", zap.Duration("elapsed", s.nowFunc().Sub(start)))
		s.mu.Lock()
		delete(s.failed, t.Name)
		s.mu.Unlock()
	case errors.Is(err, enrich.ErrJobRunning):
		log.Info("job is held by another process")
	case ctx.Err() != nil:
		log.Info("job run cancelled", zap.Error(err))
	default:
		log.Error("job run failed", zap.Error(err))
		s.mu.Lock()
		s.failed[t.Name] = err.Error()
		s.mu.Unlock()
	}
}

// Start sets the job's signal to run and triggers it. Non-catalog tasks are
// only triggered.
func (s *Scheduler) Start(ctx context.Context, name string) error {
	t, ok := s.task(name)
	if !ok {
		return eris.Wrapf(ErrUnknownJob, "scheduler: start %s", name)
	}
	if t.Checkpointed() {
		cp, err := s.store.EnsureCheckpoint(ctx, name)
		if err != nil {
			return eris.Wrapf(err, "scheduler: start %s", name)
		}
		if err := s.store.SetControlSignal(ctx, name, model.SignalRun); err != nil {
			return eris.Wrapf(err, "scheduler: start %s", name)
		}
		if cp.IsRunning {
			// A paused run picks the new signal up at its next heartbeat.
			if cp.ControlSignal == model.SignalPause {
				return nil
			}
			return eris.Wrapf(ErrAlreadyRunning, "scheduler: start %s", name)
		}
	}
	return s.Trigger(name)
}

// Pause asks a running catalog job to stop at its next batch boundary and
// wait for run or stop.
func (s *Scheduler) Pause(ctx context.Context, name string) error {
	return s.signal(ctx, name, model.SignalPause)
}

// Stop asks a catalog job to exit at its next batch boundary. The signal
// persists, so scheduled runs are skipped until the job is started again.
// An in-process run that has not exited after the grace period is cancelled.
func (s *Scheduler) Stop(ctx context.Context, name string) error {
	if err := s.signal(ctx, name, model.SignalStop); err != nil {
		return err
	}
	s.mu.Lock()
	r, ok := s.runs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	time.AfterFunc(s.stopGrace(), func() {
		select {
		case <-r.done:
		default:
			s.log.Warn("job ignored stop signal, cancelling", zap.String("job", name))
			r.cancel()
		}
	})
	return nil
}

func (s *Scheduler) signal(ctx context.Context, name string, sig model.ControlSignal) error {
	t, ok := s.task(name)
	if !ok {
		return eris.Wrapf(ErrUnknownJob, "scheduler: signal %s", name)
	}
	if !t.Checkpointed() {
		return eris.Wrapf(ErrNotControllable, "scheduler: signal %s", name)
	}
	if _, err := s.store.EnsureCheckpoint(ctx, name); err != nil {
		return eris.Wrapf(err, "scheduler: signal %s", name)
	}
	if err := s.store.SetControlSignal(ctx, name, sig); err != nil {
		return eris.Wrapf(err, "scheduler: signal %s", name)
	}
	s.log.Info("control signal set", zap.String("job", name), zap.String("signal", string(sig)))
	return nil
}

// Sweep force-clears every running checkpoint whose heartbeat is older than
// the stall threshold and picks up in-process runs that failed since the
// last sweep. Each gets a stall event and is restarted unless it was stopped
// or already restarted max_auto_restarts_per_day times today.
func (s *Scheduler) Sweep(ctx context.Context) ([]model.StallEvent, error) {
	now := s.nowFunc().UTC()
	threshold := s.cfg.StallThreshold()

	cps, err := s.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list checkpoints")
	}
	byName := make(map[string]*model.Checkpoint, len(cps))

	var events []model.StallEvent
	for i := range cps {
		cp := &cps[i]
		byName[cp.JobName] = cp
		if !cp.Stalled(now, threshold) {
			continue
		}
		reason := fmt.Sprintf("no heartbeat for %s", threshold)
		cleared, err := s.store.ForceClearStalled(ctx, cp.JobName, now.Add(-threshold), "stalled: "+reason)
		if err != nil {
			return events, eris.Wrapf(err, "scheduler: clear %s", cp.JobName)
		}
		if !cleared {
			continue
		}

		ev := model.StallEvent{
			JobName:         cp.JobName,
			DetectedAt:      now,
			LastHeartbeatAt: cp.LastHeartbeatAt,
			Reason:          reason,
		}
		if err := s.heal(ctx, &ev, cp.ControlSignal, now); err != nil {
			return events, err
		}
		events = append(events, ev)
	}

	for _, name := range s.failedJobs() {
		cause, cp := s.popFailure(name), byName[name]
		if !s.restartable(name, cp) {
			continue
		}
		ev := model.StallEvent{
			JobName:    name,
			DetectedAt: now,
			Reason:     "failed: " + truncate(cause, maxReasonLen),
		}
		signal := model.SignalRun
		if cp != nil {
			ev.LastHeartbeatAt = cp.LastHeartbeatAt
			signal = cp.ControlSignal
		}
		if err := s.heal(ctx, &ev, signal, now); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// heal decides whether ev's job is restarted, records the event and
// triggers the restart.
func (s *Scheduler) heal(ctx context.Context, ev *model.StallEvent, signal model.ControlSignal, now time.Time) error {
	restart, err := s.shouldRestart(ctx, ev.JobName, signal, now)
	if err != nil {
		return err
	}
	ev.Restarted = restart

	if err := s.store.RecordStall(ctx, *ev); err != nil {
		return eris.Wrapf(err, "scheduler: record stall %s", ev.JobName)
	}
	metrics.RecordStall(ev.JobName, restart)
	s.log.Warn("job recovered by sweep",
		zap.String("job", ev.JobName),
		zap.String("reason", ev.Reason),
		zap.Timep("last_heartbeat", ev.LastHeartbeatAt),
		zap.Bool("restarted", restart),
	)

	if restart {
		if err := s.Trigger(ev.JobName); err != nil {
			s.log.Error("job restart failed", zap.String("job", ev.JobName), zap.Error(err))
		}
	}
	return nil
}

// failedJobs lists the jobs whose runs failed since the last sweep, ordered by
// job name.
func (s *Scheduler) failedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.failed))
	for name := range s.failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// popFailure returns and forgets the recorded failure of name.
func (s *Scheduler) popFailure(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failed[name]
	delete(s.failed, name)
	return f
}

// restartable reports whether a failed run is still down: nothing runs it
// in-process and, for catalog jobs, the checkpoint is idle.
func (s *Scheduler) restartable(name string, cp *model.Checkpoint) bool {
	t, ok := s.task(name)
	if !ok || s.Active(name) {
		return false
	}
	if t.Checkpointed() {
		return cp != nil && !cp.IsRunning && cp.ControlSignal == model.SignalRun
	}
	return true
}

// shouldRestart cancels and awaits an in-process run of the job and checks
// the daily restart budget. A run that outlives the grace period is never
// restarted, so two runs of a job cannot overlap.
func (s *Scheduler) shouldRestart(ctx context.Context, name string, signal model.ControlSignal, now time.Time) (bool, error) {
	if _, known := s.task(name); !known || signal == model.SignalStop {
		return false, nil
	}
	if !s.cancelAndAwait(name, s.stopGrace()) {
		s.log.Error("stalled run did not exit after cancel", zap.String("job", name))
		return false, nil
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n, err := s.store.CountStallsSince(ctx, name, day, true)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: count restarts %s", name)
	}
	return n < s.cfg.MaxAutoRestartsPerDay, nil
}

// cancelAndAwait reports whether name has no in-process run left.
func (s *Scheduler) cancelAndAwait(name string, grace time.Duration) bool {
	s.mu.Lock()
	r, ok := s.runs[name]
	s.mu.Unlock()
	if !ok {
		return true
	}
	r.cancel()
	select {
	case <-r.done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		r.cancel()
	}
}

// Wait blocks until every in-process run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Active reports whether name has an in-process run.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[name]
	return ok
}

// Lookup returns the registered task.
func (s *Scheduler) Lookup(name string) (JobInfo, bool) {
	t, ok := s.task(name)
	if !ok {
		return JobInfo{}, false
	}
	return s.info(t), true
}

// Jobs lists every registered task by name.
func (s *Scheduler) Jobs() []JobInfo {
	tasks := s.sortedTasks()
	out := make([]JobInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.info(t))
	}
	return out
}

func (s *Scheduler) info(t *Task) JobInfo {
	ji := JobInfo{
		Name:         t.Name,
		Resource:     t.Resource,
		Schedule:     t.Schedule,
		Active:       s.Active(t.Name),
		Checkpointed: t.Checkpointed(),
	}
	if t.sched != nil {
		next := t.sched.Next(s.nowFunc().UTC())
		ji.NextRun = &next
	}
	return ji
}

func (s *Scheduler) task(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}

func (s *Scheduler) sortedTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) stopGrace() time.Duration {
	if s.cfg.StopGracePeriodSecs <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.cfg.StopGracePeriodSecs) * time.Second
}

const maxReasonLen = 200

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
