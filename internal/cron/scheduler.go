// Package cron runs persisted jobs that inject synthetic messages into the
// gateway on a timer, exactly as if a user had typed them.
package cron

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/persistence"
)

// DefaultMisfireGrace is how late a one-time job may still fire after the
// gateway was down at its due time.
const DefaultMisfireGrace = 5 * time.Minute

// Injector receives the synthetic message of a fired job.
type Injector func(msg channels.InboundMessage) error

type Store interface {
	InsertCronJob(ctx context.Context, job persistence.CronJobRecord) error
	UpdateCronJob(ctx context.Context, job persistence.CronJobRecord) error
	DeleteCronJob(ctx context.Context, id string) error
	ListCronJobs(ctx context.Context) ([]persistence.CronJobRecord, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	// Store may be nil, in which case jobs live in memory only.
	Store        Store
	Inject       Injector
	Logger       *slog.Logger
	Bus          *bus.Bus
	MisfireGrace time.Duration
	Now          func() time.Time
}

// Scheduler keeps jobs in a min-heap ordered by next run time and sleeps
// until the earliest one is due.
type Scheduler struct {
	store  Store
	inject Injector
	logger *slog.Logger
	bus    *bus.Bus
	grace  time.Duration
	now    func() time.Time

	mu    sync.Mutex
	jobs  map[string]*Job
	queue jobQueue
	wake  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:  cfg.Store,
		inject: cfg.Inject,
		logger: logger.With("component", "cron"),
		bus:    cfg.Bus,
		grace:  cfg.MisfireGrace,
		now:    cfg.Now,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// Start loads persisted jobs, applies the misfire policy and begins the
// timer loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", s.Len())
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// load reads jobs from the store. Recurring jobs that missed occurrences
// while the gateway was down resume from now without catching up. One-time
// jobs fire late if within the misfire grace and are disabled otherwise.
func (s *Scheduler) load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		job := jobFromRecord(rec)
		if err := job.Schedule.Validate(); err != nil {
			s.logger.Warn("skipping cron job with invalid schedule", "job_id", job.ID, "error", err)
			continue
		}
		changed := false
		if job.Enabled {
			switch job.Schedule.Kind {
			case KindAt:
				if job.Schedule.At.Before(now.Add(-s.grace)) {
					s.logger.Warn("one-time cron job missed, disabling", "job_id", job.ID, "due", job.Schedule.At)
					job.Enabled = false
					job.NextRunAt = time.Time{}
					changed = true
				} else if !job.NextRunAt.Equal(job.Schedule.At) {
					job.NextRunAt = job.Schedule.At
					changed = true
				}
			default:
				if job.NextRunAt.IsZero() || job.NextRunAt.Before(now) {
					if !job.NextRunAt.IsZero() {
						s.logger.Info("cron job missed occurrences, resuming cadence", "job_id", job.ID, "was_due", job.NextRunAt)
					}
					job.NextRunAt = job.Schedule.next(now)
					changed = true
				}
			}
		}
		s.jobs[job.ID] = &job
		if job.Enabled && !job.NextRunAt.IsZero() {
			heap.Push(&s.queue, queueItem{id: job.ID, at: job.NextRunAt})
		}
		if changed {
			s.persist(ctx, "update", job)
		}
	}
	return nil
}

// Add validates and registers job. An empty ID gets a fresh uuid. A
// duplicate ID yields ErrDuplicateID and leaves the existing job untouched.
func (s *Scheduler) Add(ctx context.Context, job Job) (Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	now := s.now()
	if job.Schedule.Kind == KindAt && job.Schedule.At.Before(now.Add(-s.grace)) {
		return Job{}, fmt.Errorf("%w: one-time schedule %s is in the past", ErrScheduleInvalid, job.Schedule.At.Format(time.RFC3339))
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}
	job.NextRunAt = time.Time{}
	if job.Enabled {
		job.NextRunAt = job.Schedule.next(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	if s.store != nil {
		err := s.store.InsertCronJob(ctx, job.record())
		switch {
		case errors.Is(err, persistence.ErrDuplicate):
			return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		case err != nil:
			s.degraded("insert", job.ID, err)
		}
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.schedule(&stored)
	s.logger.Info("cron job added", "job_id", job.ID, "name", job.Name, "schedule", job.Schedule.String(), "next_run_at", job.NextRunAt)
	return job, nil
}

func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	if s.store != nil {
		if err := s.store.DeleteCronJob(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			s.degraded("delete", id, err)
		}
	}
	s.poke()
	s.logger.Info("cron job removed", "job_id", id)
	return nil
}

func (s *Scheduler) Enable(ctx context.Context, id string) (Job, error) {
	return s.setEnabled(ctx, id, true)
}

func (s *Scheduler) Disable(ctx context.Context, id string) (Job, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Enabled == enabled {
		return *job, nil
	}
	job.Enabled = enabled
	job.NextRunAt = time.Time{}
	if enabled {
		job.NextRunAt = job.Schedule.next(s.now())
	}
	s.persist(ctx, "update", *job)
	s.schedule(job)
	return *job, nil
}

// RunNow fires the job immediately, whether or not it is enabled. A disabled
// job stays disabled and a recurring schedule keeps its next run.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.fire(ctx, snapshot, true)
}

func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns jobs ordered by next run time; jobs with no next run come last.
func (s *Scheduler) List(includeDisabled bool) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Enabled || includeDisabled {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i].NextRunAt, out[k].NextRunAt
		switch {
		case a.IsZero() != b.IsZero():
			return b.IsZero()
		case !a.Equal(b):
			return a.Before(b)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// loop is the main scheduler loop. It fires whatever is due, then sleeps
// until the next due time or until a mutation wakes it.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.takeDue()
		for _, job := range due {
			if ctx.Err() != nil {
				return
			}
			_ = s.fire(ctx, job, false)
		}
		if len(due) > 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// takeDue pops every due entry and returns snapshots of their jobs, plus the
// time to sleep until the next entry.
func (s *Scheduler) takeDue() ([]Job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []Job
	for s.queue.Len() > 0 {
		top := s.queue[0]
		job, ok := s.jobs[top.id]
		if !ok || !job.Enabled || !job.NextRunAt.Equal(top.at) || slices.ContainsFunc(due, func(j Job) bool { return j.ID == top.id }) {
			heap.Pop(&s.queue) // stale
			continue
		}
		if top.at.After(now) {
			return due, top.at.Sub(now)
		}
		heap.Pop(&s.queue)
		due = append(due, *job)
	}
	return due, time.Hour
}

// fire injects the job's synthetic message and records the run. Scheduled
// runs advance the schedule; one-time jobs are disabled after any run.
func (s *Scheduler) fire(ctx context.Context, job Job, manual bool) error {
	firedAt := s.now()
	key := job.target()
	msg := channels.InboundMessage{
		Channel:   key.Channel,
		ChatID:    key.ChatID,
		SenderID:  "cron",
		Text:      triggerText(job, firedAt),
		Timestamp: firedAt,
		System:    true,
		Silent:    job.Silent,
	}

	var injectErr error
	if s.inject == nil {
		injectErr = errors.New("no injector configured")
	} else {
		injectErr = s.inject(msg)
	}

	s.mu.Lock()
	cur, ok := s.jobs[job.ID]
	if ok {
		cur.LastRunAt = firedAt
		cur.RunCount++
		cur.LastError = ""
		if injectErr != nil {
			cur.LastError = injectErr.Error()
		}
		switch {
		case cur.Schedule.Kind == KindAt:
			cur.Enabled = false
			cur.NextRunAt = time.Time{}
		case !manual && cur.Enabled:
			cur.NextRunAt = cur.Schedule.next(firedAt)
			s.schedule(cur)
		}
		s.persist(ctx, "run", *cur)
		job = *cur
	}
	s.mu.Unlock()

	if injectErr != nil {
		s.logger.Error("cron job injection failed", "job_id", job.ID, "name", job.Name, "error", injectErr)
	} else {
		s.logger.Info("cron job fired", "job_id", job.ID, "name", job.Name, "manual", manual, "session_key", key.String(), "next_run_at", job.NextRunAt)
	}
	if s.bus != nil {
		ev := bus.CronFiredEvent{JobID: job.ID, Name: job.Name, Manual: manual, FiredAt: firedAt}
		if injectErr != nil {
			ev.Error = injectErr.Error()
		}
		s.bus.Publish(bus.TopicCronFired, ev)
	}
	return injectErr
}

// schedule pushes the job's next run onto the heap and wakes the loop.
// Callers hold s.mu.
func (s *Scheduler) schedule(job *Job) {
	if job.Enabled && !job.NextRunAt.IsZero() {
		heap.Push(&s.queue, queueItem{id: job.ID, at: job.NextRunAt})
	}
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// persist writes job through the store. Failures leave the in-memory job in
// place and are reported as degraded persistence.
func (s *Scheduler) persist(ctx context.Context, op string, job Job) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateCronJob(ctx, job.record()); err != nil {
		s.degraded(op, job.ID, err)
	}
}

func (s *Scheduler) degraded(op, id string, err error) {
	s.logger.Warn("cron persistence degraded, continuing in memory", "op", op, "job_id", id, "error", err)
}

type queueItem struct {
	id string
	at time.Time
}

// jobQueue is a min-heap of pending runs. Entries are not removed when a job
// changes; takeDue discards the ones that no longer match.
type jobQueue []queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
