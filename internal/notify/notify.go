// Package notify sends reminders, summaries and reports about the knowledge
// store to a fixed set of recipients through one chat session.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/knowledge"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/schedule"
)

const (
	DefaultReminderInterval = time.Hour
	dueWindow               = 24 * time.Hour
)

var (
	ErrNoSession    = errors.New("notify: session unavailable")
	ErrNoRecipients = errors.New("notify: no recipients configured")
)

// Sender delivers one notification envelope.
type Sender interface {
	SendNotification(ctx context.Context, to, title, body string) error
}

// Resolver returns the sender of the notification session, if it exists.
type Resolver func(ctx context.Context) (Sender, bool)

// Toggles switch individual notification kinds on or off.
type Toggles struct {
	TaskDueReminders bool `json:"taskDueReminders" mapstructure:"task_due_reminders"`
	NewTaskAssigned  bool `json:"newTaskAssigned" mapstructure:"new_task_assigned"`
	ProjectUpdates   bool `json:"projectUpdates" mapstructure:"project_updates"`
	AIInsights       bool `json:"aiInsights" mapstructure:"ai_insights"`
	DailySummary     bool `json:"dailySummary" mapstructure:"daily_summary"`
	WeeklyReport     bool `json:"weeklyReport" mapstructure:"weekly_report"`
	Motivation       bool `json:"motivation" mapstructure:"motivation"`
}

func DefaultToggles() Toggles {
	return Toggles{
		TaskDueReminders: true,
		NewTaskAssigned:  true,
		AIInsights:       true,
		WeeklyReport:     true,
		Motivation:       true,
	}
}

type Options struct {
	Recipients       []string
	Toggles          Toggles
	Store            knowledge.Store
	Resolve          Resolver
	ReminderInterval time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

type Dispatcher struct {
	recipients []string
	store      knowledge.Store
	resolve    Resolver
	interval   time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	toggles  Toggles
	reminded map[string]time.Time
	tasks    []*schedule.Task
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = DefaultReminderInterval
	}
	recipients := make([]string, 0, len(opts.Recipients))
	for _, r := range opts.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	return &Dispatcher{
		recipients: recipients,
		store:      opts.Store,
		resolve:    opts.Resolve,
		interval:   opts.ReminderInterval,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		toggles:    opts.Toggles,
		reminded:   make(map[string]time.Time),
	}
}

func (d *Dispatcher) Toggles() Toggles {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toggles
}

func (d *Dispatcher) SetToggles(t Toggles) {
	d.mu.Lock()
	d.toggles = t
	d.mu.Unlock()
}

// Start schedules the hourly due-task check, the 09:00 daily summary, the
// Monday 09:00 weekly report and the 08:00 motivation message.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) > 0 {
		return
	}
	opts := func(name string) schedule.Options {
		return schedule.Options{Name: name, Clock: d.clock, Logger: d.logger}
	}
	d.tasks = append(d.tasks,
		schedule.Every(opts("notify_due_tasks"), d.interval, func(ctx context.Context) error {
			_, err := d.SendDueTaskReminders(ctx)
			return err
		}),
		schedule.At(opts("notify_daily_summary"), schedule.DailyAt(9, 0), d.SendDailySummary),
		schedule.At(opts("notify_weekly_report"), schedule.WeeklyAt(time.Monday, 9, 0), d.SendWeeklyReport),
		schedule.At(opts("notify_motivation"), schedule.DailyAt(8, 0), d.SendMotivation),
	)
	d.logger.Info("notify_started", "recipients", len(d.recipients))
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}

// Notify sends title and body to every recipient. It returns how many
// deliveries succeeded; a failure for one recipient does not stop the rest.
func (d *Dispatcher) Notify(ctx context.Context, kind, title, body string) (int, error) {
	if len(d.recipients) == 0 {
		d.metrics.Notification(kind, "skipped")
		return 0, ErrNoRecipients
	}
	if d.resolve == nil {
		d.metrics.Notification(kind, "skipped")
		return 0, ErrNoSession
	}
	sender, ok := d.resolve(ctx)
	if !ok || sender == nil {
		d.metrics.Notification(kind, "skipped")
		return 0, ErrNoSession
	}
	sent := 0
	var errs []error
	for _, to := range d.recipients {
		if err := sender.SendNotification(ctx, to, title, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
			d.metrics.Notification(kind, "error")
			continue
		}
		sent++
		d.metrics.Notification(kind, "sent")
	}
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("notification_failed", "kind", kind, "sent", sent, "error", err)
	} else {
		d.logger.Info("notification_sent", "kind", kind, "recipients", sent)
	}
	return sent, err
}

func formatDate(t *time.Time, fallback string) string {
	if t == nil || t.IsZero() {
		return fallback
	}
	return t.Format("2006-01-02")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// SendDueTaskReminders reminds about TODO tasks due within the next 24
// hours. A task is reminded at most once per 24 hours.
func (d *Dispatcher) SendDueTaskReminders(ctx context.Context) (int, error) {
	if !d.Toggles().TaskDueReminders || d.store == nil {
		return 0, nil
	}
	now := d.clock.Now()
	tasks, err := d.store.ListTasks(ctx, knowledge.TaskFilter{Status: knowledge.TaskTodo, DueBefore: now.Add(dueWindow)})
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	reminded := 0
	var errs []error
	for _, t := range tasks {
		d.mu.Lock()
		last, seen := d.reminded[t.ID]
		d.mu.Unlock()
		if seen && now.Sub(last) < dueWindow {
			continue
		}
		body := fmt.Sprintf("📋 *Task:* %s\n⭐ *Priority:* %s\n📅 *Due Date:* %s\n📝 *Description:* %s\n\nSila lengkapkan task ini secepat mungkin.",
			t.Title, t.Priority, formatDate(t.DueDate, "-"), orDefault(t.Description, "No description"))
		if _, err := d.Notify(ctx, "task_due", "Task Due Reminder", body); err != nil {
			errs = append(errs, err)
			continue
		}
		d.mu.Lock()
		d.reminded[t.ID] = now
		d.mu.Unlock()
		reminded++
	}
	d.pruneReminded(now)
	return reminded, errors.Join(errs...)
}

func (d *Dispatcher) pruneReminded(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.reminded {
		if now.Sub(at) >= dueWindow {
			delete(d.reminded, id)
		}
	}
}

// NotifyNewTask announces a task assigned to the recipients.
func (d *Dispatcher) NotifyNewTask(ctx context.Context, taskID string) error {
	if !d.Toggles().NewTaskAssigned || d.store == nil {
		return nil
	}
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("📋 *Task:* %s\n⭐ *Priority:* %s\n📅 *Due Date:* %s\n📝 *Description:* %s\n\nAnda telah diberikan task baru. Sila semak Second Brain anda.",
		t.Title, t.Priority, formatDate(t.DueDate, "Not set"), orDefault(t.Description, "No description"))
	_, err = d.Notify(ctx, "new_task", "New Task Assigned", body)
	return err
}

type ProjectUpdate string

const (
	UpdateStatus     ProjectUpdate = "status"
	UpdateMilestone  ProjectUpdate = "milestone"
	UpdateCompletion ProjectUpdate = "completion"
)

func (u ProjectUpdate) emoji() string {
	switch u {
	case UpdateMilestone:
		return "🎯"
	case UpdateCompletion:
		return "🎉"
	default:
		return "📊"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (d *Dispatcher) NotifyProjectUpdate(ctx context.Context, projectID string, kind ProjectUpdate, details string) error {
	if !d.Toggles().ProjectUpdates || d.store == nil {
		return nil
	}
	p, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("🚀 *Project:* %s\n%s *Update Type:* %s\n📝 *Details:* %s\n\nKemaskini terkini project anda.",
		p.Name, kind.emoji(), capitalize(string(kind)), details)
	_, err = d.Notify(ctx, "project_update", "Project Update", body)
	return err
}

type InsightCategory string

const (
	InsightProductivity InsightCategory = "productivity"
	InsightLearning     InsightCategory = "learning"
	InsightProject      InsightCategory = "project"
	InsightGeneral      InsightCategory = "general"
)

func (c InsightCategory) emoji() string {
	switch c {
	case InsightProductivity:
		return "⚡"
	case InsightLearning:
		return "📚"
	case InsightProject:
		return "🚀"
	default:
		return "💡"
	}
}

func (d *Dispatcher) NotifyAIInsight(ctx context.Context, insight string, category InsightCategory) error {
	if !d.Toggles().AIInsights {
		return nil
	}
	body := fmt.Sprintf("%s %s\n\n💭 *This insight was generated based on your Second Brain activity patterns.*",
		category.emoji(), strings.TrimSpace(insight))
	_, err := d.Notify(ctx, "ai_insight", "AI Insight", body)
	return err
}

func startOfDay(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, t.Location())
}

// Summary holds the counts of one daily summary.
type Summary struct {
	Completed      int
	Created        int
	DueSoon        int
	ActiveProjects int
	NewNotes       int
}

func (d *Dispatcher) dailySummary(ctx context.Context) (Summary, error) {
	now := d.clock.Now()
	today := startOfDay(now)
	var s Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Completed, err = d.store.CountTasks(gctx, knowledge.TaskFilter{Status: knowledge.TaskDone, UpdatedSince: today})
		return err
	})
	g.Go(func() (err error) {
		s.Created, err = d.store.CountTasks(gctx, knowledge.TaskFilter{CreatedSince: today})
		return err
	})
	g.Go(func() (err error) {
		s.DueSoon, err = d.store.CountTasks(gctx, knowledge.TaskFilter{Status: knowledge.TaskTodo, DueBefore: now.Add(dueWindow)})
		return err
	})
	g.Go(func() (err error) {
		s.ActiveProjects, err = d.store.CountProjects(gctx, knowledge.ProjectFilter{Status: knowledge.ProjectActive})
		return err
	})
	g.Go(func() (err error) {
		s.NewNotes, err = d.store.CountNotes(gctx, knowledge.NoteFilter{CreatedSince: today})
		return err
	})
	return s, g.Wait()
}

func (d *Dispatcher) SendDailySummary(ctx context.Context) error {
	if !d.Toggles().DailySummary || d.store == nil {
		return nil
	}
	s, err := d.dailySummary(ctx)
	if err != nil {
		return fmt.Errorf("daily summary: %w", err)
	}
	body := fmt.Sprintf("✅ *Tasks Completed:* %d\n📝 *New Tasks Created:* %d\n📋 *Tasks Due Soon:* %d\n🚀 *Active Projects:* %d\n📔 *New Notes:* %d\n\n📈 *Keep up the great work!*",
		s.Completed, s.Created, s.DueSoon, s.ActiveProjects, s.NewNotes)
	_, err = d.Notify(ctx, "daily_summary", "Daily Summary", body)
	return err
}

// Report holds the activity of the last seven days.
type Report struct {
	TasksCreated    int
	TasksCompleted  int
	TasksPending    int
	NotesCreated    int
	ProjectsCreated int
}

// CompletionRate is the rounded percentage of this week's tasks that are
// done.
func (r Report) CompletionRate() int {
	if r.TasksCreated == 0 {
		return 0
	}
	return (r.TasksCompleted*100 + r.TasksCreated/2) / r.TasksCreated
}

func (d *Dispatcher) weeklyReport(ctx context.Context) (Report, error) {
	since := d.clock.Now().Add(-7 * 24 * time.Hour)
	var r Report
	tasks, err := d.store.ListTasks(ctx, knowledge.TaskFilter{CreatedSince: since})
	if err != nil {
		return r, err
	}
	r.TasksCreated = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case knowledge.TaskDone:
			r.TasksCompleted++
		case knowledge.TaskTodo:
			r.TasksPending++
		}
	}
	if r.NotesCreated, err = d.store.CountNotes(ctx, knowledge.NoteFilter{CreatedSince: since}); err != nil {
		return r, err
	}
	if r.ProjectsCreated, err = d.store.CountProjects(ctx, knowledge.ProjectFilter{CreatedSince: since}); err != nil {
		return r, err
	}
	return r, nil
}

func (d *Dispatcher) SendWeeklyReport(ctx context.Context) error {
	if !d.Toggles().WeeklyReport || d.store == nil {
		return nil
	}
	r, err := d.weeklyReport(ctx)
	if err != nil {
		return fmt.Errorf("weekly report: %w", err)
	}
	body := fmt.Sprintf("📊 *This Week's Activity:*\n✅ Tasks Completed: %d\n📝 Tasks Created: %d\n📔 Notes Created: %d\n🚀 Projects Created: %d\n\n📋 *Current Status:*\n⏳ Pending Tasks: %d\n🎯 Completion Rate: %d%%\n\n💪 *Great progress this week!*",
		r.TasksCompleted, r.TasksCreated, r.NotesCreated, r.ProjectsCreated, r.TasksPending, r.CompletionRate())
	_, err = d.Notify(ctx, "weekly_report", "Weekly Report", body)
	return err
}

var quotes = []string{
	"The secret of getting ahead is getting started. - Mark Twain",
	"Success is not final, failure is not fatal: it is the courage to continue that counts. - Winston Churchill",
	"The only way to do great work is to love what you do. - Steve Jobs",
	"Believe you can and you're halfway there. - Theodore Roosevelt",
	"The future belongs to those who believe in the beauty of their dreams. - Eleanor Roosevelt",
}

func (d *Dispatcher) SendMotivation(ctx context.Context) error {
	if !d.Toggles().Motivation {
		return nil
	}
	body := fmt.Sprintf("%q\n\n🌟 *Make today amazing!*", quotes[rand.Intn(len(quotes))])
	_, err := d.Notify(ctx, "motivation", "Daily Motivation", body)
	return err
}
