// Package schedule runs delayed and recurring jobs against an injectable
// clock so reconnect backoff, maintenance sweeps and notification timers can
// be driven deterministically in tests.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultJobTimeout = 2 * time.Minute
	failureThreshold  = 3
)

// Job is one run of a scheduled task. The context is cancelled when the task
// is stopped or the per-run timeout elapses.
type Job func(ctx context.Context) error

// NextFunc returns the next run time strictly after now.
type NextFunc func(now time.Time) time.Time

type Options struct {
	Name    string
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Timeout time.Duration
}

func (o Options) normalized() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultJobTimeout
	}
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = "task"
	}
	return o
}

// Task is a cancellable scheduled job.
type Task struct {
	opts Options
	next NextFunc
	job  Job

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    clockwork.Timer
	stopped  bool
	runs     int
	failures int
	lastErr  string
}

// After runs job once after delay.
func After(opts Options, delay time.Duration, job Job) *Task {
	if delay < 0 {
		delay = 0
	}
	t := newTask(opts, nil, job)
	t.arm(delay)
	return t
}

// Every runs job repeatedly, waiting interval between the end of one run and
// the start of the next. Runs never overlap.
func Every(opts Options, interval time.Duration, job Job) *Task {
	if interval <= 0 {
		panic(fmt.Sprintf("schedule: non-positive interval %v", interval))
	}
	return At(opts, func(now time.Time) time.Time { return now.Add(interval) }, job)
}

// At runs job at every time produced by next.
func At(opts Options, next NextFunc, job Job) *Task {
	t := newTask(opts, next, job)
	now := t.opts.Clock.Now()
	t.arm(next(now).Sub(now))
	return t
}

func newTask(opts Options, next NextFunc, job Job) *Task {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{opts: opts, next: next, job: job, ctx: ctx, cancel: cancel}
}

func (t *Task) arm(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.opts.Clock.AfterFunc(delay, t.fire)
}

func (t *Task) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.runs++
	t.mu.Unlock()

	err := t.run()
	t.record(err)

	if t.next == nil {
		return
	}
	now := t.opts.Clock.Now()
	delay := t.next(now).Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.arm(delay)
}

func (t *Task) run() (err error) {
	if t.job == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.job(ctx)
}

// record keeps a consecutive failure count and raises an alert log once the
// threshold is reached, then starts counting again.
func (t *Task) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.failures = 0
		t.lastErr = ""
		return
	}
	t.failures++
	t.lastErr = strings.TrimSpace(err.Error())
	if t.failures >= failureThreshold {
		t.opts.Logger.Warn(t.opts.Name+"_alert", "failures", t.failures, "error", t.lastErr)
		t.failures = 0
		return
	}
	t.opts.Logger.Warn(t.opts.Name+"_failed", "error", t.lastErr)
}

// Stop cancels future runs and the context of a run in progress. It reports
// whether the task was still active.
func (t *Task) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
	return true
}

// Runs returns how many times the job has started.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// DailyAt returns a NextFunc firing every day at hour:minute in now's location.
func DailyAt(hour, minute int) NextFunc {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// WeeklyAt returns a NextFunc firing every week on day at hour:minute.
func WeeklyAt(day time.Weekday, hour, minute int) NextFunc {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		offset := (int(day) - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, offset)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
}
