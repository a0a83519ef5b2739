package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/knowledge"
)

type delivery struct {
	To    string
	Title string
	Body  string
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []delivery
	failFor string
}

func (s *recordingSender) SendNotification(_ context.Context, to, title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == s.failFor {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, delivery{To: to, Title: title, Body: body})
	return nil
}

func (s *recordingSender) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.sent...)
}

type fixture struct {
	d      *Dispatcher
	store  *knowledge.SQLiteStore
	sender *recordingSender
	clock  *clockwork.FakeClock
}

// Monday 2 March 2026, 08:30 local time.
var start = time.Date(2026, time.March, 2, 8, 30, 0, 0, time.Local)

func newFixture(t *testing.T, toggles Toggles) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	store, err := knowledge.Open(filepath.Join(t.TempDir(), "knowledge.db"), knowledge.Options{Clock: clock})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sender := &recordingSender{}
	d := New(Options{
		Recipients: []string{"60111", " ", "60222"},
		Toggles:    toggles,
		Store:      store,
		Resolve:    func(context.Context) (Sender, bool) { return sender, true },
		Clock:      clock,
	})
	t.Cleanup(d.Stop)
	return &fixture{d: d, store: store, sender: sender, clock: clock}
}

func ptr(t time.Time) *time.Time { return &t }

func TestDueTaskReminders(t *testing.T) {
	f := newFixture(t, Toggles{TaskDueReminders: true})
	ctx := context.Background()

	mustTask := func(task knowledge.Task) knowledge.Task {
		t.Helper()
		out, err := f.store.CreateTask(ctx, task)
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		return out
	}
	mustTask(knowledge.Task{Title: "Pay rent", Priority: knowledge.PriorityHigh, DueDate: ptr(start.Add(2 * time.Hour))})
	mustTask(knowledge.Task{Title: "Later", DueDate: ptr(start.Add(72 * time.Hour))})
	mustTask(knowledge.Task{Title: "Undated"})
	done := mustTask(knowledge.Task{Title: "Finished", DueDate: ptr(start.Add(time.Hour))})
	if _, err := f.store.SetTaskStatus(ctx, done.ID, knowledge.TaskDone); err != nil {
		t.Fatalf("SetTaskStatus() error = %v", err)
	}

	n, err := f.d.SendDueTaskReminders(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SendDueTaskReminders() = %d, %v, want 1, nil", n, err)
	}
	sent := f.sender.deliveries()
	if len(sent) != 2 {
		t.Fatalf("deliveries = %+v, want one per recipient", sent)
	}
	if sent[0].To != "60111" || sent[1].To != "60222" || sent[0].Title != "Task Due Reminder" {
		t.Fatalf("deliveries = %+v", sent)
	}
	if !strings.Contains(sent[0].Body, "📋 *Task:* Pay rent") || !strings.Contains(sent[0].Body, "⭐ *Priority:* HIGH") {
		t.Fatalf("body = %q", sent[0].Body)
	}

	if n, _ := f.d.SendDueTaskReminders(ctx); n != 0 {
		t.Fatalf("second pass reminded %d tasks, want 0", n)
	}
	f.clock.Advance(25 * time.Hour)
	if n, _ := f.d.SendDueTaskReminders(ctx); n != 1 {
		t.Fatalf("pass after a day reminded %d tasks, want 1", n)
	}
}

func TestNotifyPartialFailureAndMissingSession(t *testing.T) {
	f := newFixture(t, DefaultToggles())
	f.sender.failFor = "60222"

	n, err := f.d.Notify(context.Background(), "custom", "Hello", "World")
	if n != 1 || err == nil {
		t.Fatalf("Notify() = %d, %v, want 1 and an error", n, err)
	}

	d := New(Options{Recipients: []string{"60111"}, Resolve: func(context.Context) (Sender, bool) { return nil, false }})
	if _, err := d.Notify(context.Background(), "custom", "Hello", "World"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Notify() error = %v, want ErrNoSession", err)
	}
	d = New(Options{})
	if _, err := d.Notify(context.Background(), "custom", "Hello", "World"); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Notify() error = %v, want ErrNoRecipients", err)
	}
}

func TestDailySummaryRespectsToggle(t *testing.T) {
	f := newFixture(t, Toggles{})
	ctx := context.Background()
	if err := f.d.SendDailySummary(ctx); err != nil {
		t.Fatalf("SendDailySummary() error = %v", err)
	}
	if got := len(f.sender.deliveries()); got != 0 {
		t.Fatalf("disabled summary sent %d messages", got)
	}

	f.d.SetToggles(Toggles{DailySummary: true})
	task, _ := f.store.CreateTask(ctx, knowledge.Task{Title: "Ship", DueDate: ptr(start.Add(time.Hour))})
	f.store.CreateTask(ctx, knowledge.Task{Title: "Review"})
	f.store.SetTaskStatus(ctx, task.ID, knowledge.TaskDone)
	f.store.CreateNote(ctx, knowledge.Note{Title: "Idea", Content: "Idea"})
	f.store.CreateProject(ctx, knowledge.Project{Name: "Garden", Status: knowledge.ProjectActive})

	if err := f.d.SendDailySummary(ctx); err != nil {
		t.Fatalf("SendDailySummary() error = %v", err)
	}
	sent := f.sender.deliveries()
	if len(sent) != 2 || sent[0].Title != "Daily Summary" {
		t.Fatalf("deliveries = %+v", sent)
	}
	for _, want := range []string{
		"✅ *Tasks Completed:* 1",
		"📝 *New Tasks Created:* 2",
		"📋 *Tasks Due Soon:* 0",
		"🚀 *Active Projects:* 1",
		"📔 *New Notes:* 1",
	} {
		if !strings.Contains(sent[0].Body, want) {
			t.Fatalf("body %q missing %q", sent[0].Body, want)
		}
	}
}

func TestWeeklyReport(t *testing.T) {
	f := newFixture(t, Toggles{WeeklyReport: true})
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		task, err := f.store.CreateTask(ctx, knowledge.Task{Title: title})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		ids = append(ids, task.ID)
	}
	f.store.SetTaskStatus(ctx, ids[0], knowledge.TaskDone)

	if err := f.d.SendWeeklyReport(ctx); err != nil {
		t.Fatalf("SendWeeklyReport() error = %v", err)
	}
	body := f.sender.deliveries()[0].Body
	for _, want := range []string{"✅ Tasks Completed: 1", "📝 Tasks Created: 3", "⏳ Pending Tasks: 2", "🎯 Completion Rate: 33%"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %q missing %q", body, want)
		}
	}
}

func TestCompletionRate(t *testing.T) {
	tests := []struct {
		created, completed, want int
	}{
		{0, 0, 0},
		{3, 1, 33},
		{3, 2, 67},
		{4, 4, 100},
	}
	for _, tc := range tests {
		r := Report{TasksCreated: tc.created, TasksCompleted: tc.completed}
		if got := r.CompletionRate(); got != tc.want {
			t.Fatalf("CompletionRate(%d/%d) = %d, want %d", tc.completed, tc.created, got, tc.want)
		}
	}
}

func TestEventNotifications(t *testing.T) {
	f := newFixture(t, Toggles{NewTaskAssigned: true, AIInsights: true})
	ctx := context.Background()

	task, _ := f.store.CreateTask(ctx, knowledge.Task{Title: "Draft plan", Priority: knowledge.PriorityLow})
	if err := f.d.NotifyNewTask(ctx, task.ID); err != nil {
		t.Fatalf("NotifyNewTask() error = %v", err)
	}
	project, _ := f.store.CreateProject(ctx, knowledge.Project{Name: "Garden"})
	if err := f.d.NotifyProjectUpdate(ctx, project.ID, UpdateMilestone, "beds built"); err != nil {
		t.Fatalf("NotifyProjectUpdate() error = %v", err)
	}
	if err := f.d.NotifyAIInsight(ctx, "You finish more tasks in the morning.", InsightProductivity); err != nil {
		t.Fatalf("NotifyAIInsight() error = %v", err)
	}

	sent := f.sender.deliveries()
	if len(sent) != 4 {
		t.Fatalf("deliveries = %d, want 4 (project updates are off)", len(sent))
	}
	if sent[0].Title != "New Task Assigned" || !strings.Contains(sent[0].Body, "📅 *Due Date:* Not set") {
		t.Fatalf("new task delivery = %+v", sent[0])
	}
	if sent[2].Title != "AI Insight" || !strings.HasPrefix(sent[2].Body, "⚡ You finish") {
		t.Fatalf("insight delivery = %+v", sent[2])
	}

	f.d.SetToggles(Toggles{ProjectUpdates: true})
	if err := f.d.NotifyProjectUpdate(ctx, project.ID, UpdateMilestone, "beds built"); err != nil {
		t.Fatalf("NotifyProjectUpdate() error = %v", err)
	}
	last := f.sender.deliveries()[4]
	if !strings.Contains(last.Body, "🎯 *Update Type:* Milestone") || !strings.Contains(last.Body, "🚀 *Project:* Garden") {
		t.Fatalf("project delivery = %+v", last)
	}
}

func TestScheduledSummaryFiresAtNine(t *testing.T) {
	f := newFixture(t, Toggles{DailySummary: true, Motivation: true})
	f.d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.clock.BlockUntilContext(ctx, 4); err != nil {
		t.Fatalf("timers not armed: %v", err)
	}

	f.clock.Advance(29 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := len(f.sender.deliveries()); got != 0 {
		t.Fatalf("sent %d messages before 09:00", got)
	}

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		sent := f.sender.deliveries()
		return len(sent) == 2 && sent[0].Title == "Daily Summary"
	}, 2*time.Second, 5*time.Millisecond)

	// Motivation is due at 08:00 the next day.
	f.clock.Advance(23 * time.Hour)
	require.Eventually(t, func() bool {
		for _, d := range f.sender.deliveries() {
			if d.Title == "Daily Motivation" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
