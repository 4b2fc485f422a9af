// Package scheduler fires time-based jobs: one-shot reminders ("at"),
// fixed intervals ("every"), and five-field cron expressions, all sharing
// one minute tick loop. Jobs persist in a single versioned JSON file
// rewritten atomically on every mutation. Missed fires during downtime
// collapse to at most one execution per job (at-least-once semantics).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// storeVersion is the persisted file format version.
	storeVersion = 1

	// cronSearchHorizon bounds the forward search for the next cron
	// occurrence. Expressions with no match within two years get no
	// next run.
	cronSearchHorizon = 2 * 365 * 24 * time.Hour

	// defaultWorkers bounds concurrent job executions per tick.
	defaultWorkers = 4
)

// JobKind selects the schedule semantics.
type JobKind string

const (
	KindAt    JobKind = "at"
	KindEvery JobKind = "every"
	KindCron  JobKind = "cron"
)

// PayloadKind selects what firing a job does.
type PayloadKind string

const (
	// PayloadReminder delivers the job text to the chat as-is.
	PayloadReminder PayloadKind = "reminder"

	// PayloadAgentTurn posts the text as a synthesized user message into
	// the chat's LLM pipeline.
	PayloadAgentTurn PayloadKind = "agent_turn"

	// PayloadBriefing and PayloadHeartbeat are internal system events.
	PayloadBriefing  PayloadKind = "briefing"
	PayloadHeartbeat PayloadKind = "heartbeat"
)

// Payload is the action a job performs when it fires.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

// Job is one scheduled entry. The scheduler store owns all instances;
// tick handlers operate on snapshots.
type Job struct {
	ID       string  `json:"id"`
	ChatID   int64   `json:"chat_id"`
	Name     string  `json:"name"`
	Kind     JobKind `json:"kind"`
	Enabled  bool    `json:"enabled"`
	Timezone string  `json:"timezone,omitempty"`

	// Kind-specific schedule descriptor.
	AtMs       int64  `json:"at_ms,omitempty"`       // at: absolute epoch ms
	IntervalMs int64  `json:"interval_ms,omitempty"` // every: period
	StartMs    int64  `json:"start_ms,omitempty"`    // every: phase origin
	CronExpr   string `json:"cron_expr,omitempty"`   // cron: five fields

	Payload Payload `json:"payload"`

	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	RunCount  int        `json:"run_count"`
	MaxRuns   int        `json:"max_runs,omitempty"` // 0 = unlimited
}

// Handler executes a fired job's payload.
type Handler func(ctx context.Context, job Job)

// storeFile is the persisted format.
type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Scheduler owns the job table, the persistence file, and the tick loop.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	path    string
	handler Handler
	logger  *slog.Logger

	tick    time.Duration // overridable in tests
	workers int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler persisting to path. Existing jobs are loaded
// and every enabled job gets a fresh next run; "at" jobs whose time has
// passed are disabled rather than retro-fired.
func New(path string, handler Handler, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]*Job),
		path:    path,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		tick:    time.Minute,
		workers: defaultWorkers,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the store file and recomputes next runs.
func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read job store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse job store: %w", err)
	}
	if file.Version != storeVersion {
		return fmt.Errorf("job store version %d not supported", file.Version)
	}

	now := time.Now()
	for i := range file.Jobs {
		job := file.Jobs[i]
		if job.Enabled {
			next, ok := s.computeNextRun(&job, now)
			if ok {
				job.NextRun = &next
			} else {
				// Past one-shots and dead cron expressions are disabled,
				// never retro-fired.
				job.Enabled = false
				job.NextRun = nil
			}
		}
		j := job
		s.jobs[job.ID] = &j
	}
	s.logger.Info("jobs loaded", "count", len(s.jobs))
	return s.persistLocked()
}

// persistLocked writes the whole store atomically (temp file + rename).
// Caller holds s.mu, or is in single-threaded setup.
func (s *Scheduler) persistLocked() error {
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })

	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace job store: %w", err)
	}
	return nil
}

// computeNextRun returns the next fire time strictly after now, or
// ok=false when the job will never fire again.
func (s *Scheduler) computeNextRun(job *Job, now time.Time) (time.Time, bool) {
	switch job.Kind {
	case KindAt:
		at := time.UnixMilli(job.AtMs)
		if at.After(now) {
			return at, true
		}
		return time.Time{}, false

	case KindEvery:
		if job.IntervalMs <= 0 {
			return time.Time{}, false
		}
		interval := time.Duration(job.IntervalMs) * time.Millisecond
		start := time.UnixMilli(job.StartMs)
		if job.StartMs == 0 || start.After(now) {
			if job.StartMs == 0 {
				return now.Add(interval), true
			}
			return start, true
		}
		elapsed := now.Sub(start)
		periods := elapsed / interval
		return start.Add((periods + 1) * interval), true

	case KindCron:
		sched, err := parseCron(job.CronExpr, job.Timezone)
		if err != nil {
			s.logger.Warn("invalid cron expression", "job", job.ID, "expr", job.CronExpr, "error", err)
			return time.Time{}, false
		}
		next := sched.Next(now)
		if next.IsZero() || next.Sub(now) > cronSearchHorizon {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// parseCron parses a five-field expression with names and aliases,
// evaluated in the job's timezone (local when empty). Classic OR
// semantics apply when both day-of-month and day-of-week are restricted.
func parseCron(expr, timezone string) (cron.Schedule, error) {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	return cron.ParseStandard(expr)
}

// ValidateCron checks a cron expression and timezone without creating a job.
func ValidateCron(expr, timezone string) error {
	_, err := parseCron(expr, timezone)
	return err
}

// Add validates and inserts a job. The ID and next run are assigned;
// the job is persisted before Add returns.
func (s *Scheduler) Add(job Job) (Job, error) {
	now := time.Now()
	if job.Kind == KindCron {
		if err := ValidateCron(job.CronExpr, job.Timezone); err != nil {
			return Job{}, fmt.Errorf("invalid cron job: %w", err)
		}
	}
	if job.Kind == KindEvery && job.IntervalMs <= 0 {
		return Job{}, fmt.Errorf("every job needs a positive interval")
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%08x", rand.Uint32())
	}
	job.CreatedAt = now
	job.Enabled = true
	next, ok := s.computeNextRun(&job, now)
	if !ok {
		return Job{}, fmt.Errorf("job would never fire")
	}
	job.NextRun = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return Job{}, err
	}
	s.logger.Info("job added",
		"id", job.ID, "kind", job.Kind, "name", job.Name, "next_run", next)
	return job, nil
}

// Update replaces a job's mutable fields and recomputes its next run.
func (s *Scheduler) Update(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("no job %q", job.ID)
	}
	job.CreatedAt = existing.CreatedAt
	job.RunCount = existing.RunCount
	job.LastRun = existing.LastRun
	if job.Enabled {
		if next, ok := s.computeNextRun(&job, time.Now()); ok {
			job.NextRun = &next
		} else {
			job.Enabled = false
			job.NextRun = nil
		}
	} else {
		job.NextRun = nil
	}
	s.jobs[job.ID] = &job
	return s.persistLocked()
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("no job %q", id)
	}
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.logger.Info("job removed", "id", id)
	return nil
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns snapshots of all jobs for a chat (all chats when chatID
// is 0), oldest first.
func (s *Scheduler) List(chatID int64) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if chatID == 0 || j.ChatID == chatID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// markExecuted records a fire: bumps the run count, sets last run,
// recomputes the next run, and disables exhausted or one-shot jobs.
// The invariant NextRun > LastRun holds whenever both are set.
func (s *Scheduler) markExecuted(id string, firedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.RunCount++
	job.LastRun = &firedAt

	switch {
	case job.Kind == KindAt:
		job.Enabled = false
		job.NextRun = nil
	case job.MaxRuns > 0 && job.RunCount >= job.MaxRuns:
		job.Enabled = false
		job.NextRun = nil
	default:
		if next, ok := s.computeNextRun(job, firedAt); ok {
			job.NextRun = &next
		} else {
			job.Enabled = false
			job.NextRun = nil
		}
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist after execution failed", "job", id, "error", err)
	}
}

// Start launches the tick loop. One ticker fires every minute; due jobs
// run on a bounded worker pool. A job that missed several fires during
// downtime fires once.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.logger.Info("scheduler started", "jobs", len(s.List(0)))
		for {
			select {
			case now := <-ticker.C:
				s.runDue(runCtx, now)
			case <-runCtx.Done():
				s.logger.Info("scheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// runDue fires every enabled job whose next run is due.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Job
	for _, j := range s.jobs {
		if j.Enabled && j.NextRun != nil && !j.NextRun.After(now) {
			due = append(due, *j)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, job := range due {
		// Mark before executing so a crash mid-execution cannot replay
		// the fire storm; at-least-once is the documented contract.
		s.markExecuted(job.ID, now)

		wg.Add(1)
		sem <- struct{}{}
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("job handler panicked", "job", job.ID, "panic", r)
				}
			}()
			s.logger.Info("job firing", "id", job.ID, "kind", job.Kind, "name", job.Name)
			s.handler(ctx, job)
		}(job)
	}
	wg.Wait()
}
