// Package command turns inbound chat text into knowledge-store operations
// and produces the reply text.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/errclass"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/knowledge"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/prompttmpl"
	"github.com/cornmankl/whatsapp-qr-optimizer/llm"
)

const (
	ReplyUnknown = `Command tidak dikenali. Ketik "help" untuk bantuan.`

	DefaultSystemPrompt = "Anda adalah AI Assistant untuk Second Brain. Bantu pengguna dengan soalan mereka dan berikan jawapan yang berguna dan ringkas."
	DefaultAITimeout    = 60 * time.Second
)

// Inbound is one authorised chat message together with the session facts
// handlers need.
type Inbound struct {
	SessionID string
	ChatID    string
	Sender    string
	PushName  string
	Text      string
	AIEnabled bool
	Connected bool
}

type Request struct {
	Inbound
	Command Command
}

// Handler returns the reply text. A non-nil error is logged and counted;
// the reply is still sent when it is not empty.
type Handler func(ctx context.Context, req Request) (string, error)

type Options struct {
	Store        knowledge.Store
	LLM          llm.Client
	Model        string
	// SystemPrompt may reference {{.SessionID}}, {{.Sender}}, {{.PushName}}
	// and {{.Now}}.
	SystemPrompt string
	AITimeout    time.Duration
	Audit        Auditor
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	// OnTaskCreated runs after a chat command created a task.
	OnTaskCreated func(ctx context.Context, t knowledge.Task)
}

type Router struct {
	handlers map[string]Handler

	store        knowledge.Store
	llm          llm.Client
	model        string
	systemPrompt string
	promptTmpl   *template.Template
	aiTimeout    time.Duration
	audit        Auditor
	onTask       func(context.Context, knowledge.Task)
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

func NewRouter(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = DefaultAITimeout
	}
	r := &Router{
		handlers:     make(map[string]Handler),
		store:        opts.Store,
		llm:          opts.LLM,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		aiTimeout:    opts.AITimeout,
		audit:        opts.Audit,
		onTask:       opts.OnTaskCreated,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if tmpl, err := prompttmpl.Parse("system_prompt", opts.SystemPrompt); err != nil {
		r.logger.Warn("system_prompt_template_invalid", "error", err.Error())
	} else {
		r.promptTmpl = tmpl
	}
	r.Handle("task_create", r.taskCreate)
	r.Handle("task_list", r.taskList)
	r.Handle("task_complete", r.taskComplete)
	r.Handle("note_create", r.noteCreate)
	r.Handle("note_list", r.noteList)
	r.Handle("project_create", r.projectCreate)
	r.Handle("project_list", r.projectList)
	r.Handle("search_default", r.search)
	r.Handle("ai_default", r.ai)
	r.Handle("help_default", r.help)
	r.Handle("status_default", r.status)
	return r
}

// Handle registers or replaces the handler for key ("<type>_<action>").
func (r *Router) Handle(key string, h Handler) {
	r.handlers[key] = h
}

// Dispatch parses text and runs the matching handler. The returned error is
// a HandlerFailure only when no reply could be produced at all.
func (r *Router) Dispatch(ctx context.Context, in Inbound) (string, error) {
	cmd := Parse(in.Text)
	req := Request{Inbound: in, Command: cmd}
	key := cmd.Key()

	h, ok := r.handlers[key]
	if !ok && cmd.Type == TypeAI {
		h, ok = r.ai, true
	}
	if !ok {
		r.finish(req, "unknown", r.clock.Now(), nil)
		return ReplyUnknown, nil
	}

	start := r.clock.Now()
	reply, err := r.invoke(ctx, key, h, req)
	switch {
	case err != nil && reply == "":
		r.finish(req, "failed", start, err)
		return "", err
	case err != nil:
		r.finish(req, "error", start, err)
		return reply, nil
	default:
		r.finish(req, "ok", start, nil)
		return reply, nil
	}
}

func (r *Router) invoke(ctx context.Context, key string, h Handler, req Request) (reply string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command_panic", "session_id", req.SessionID, "key", key, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			reply = ""
			err = errclass.Wrap(errclass.HandlerFailure, "command", key, fmt.Errorf("panic: %v", rec))
		}
	}()
	reply, err = h(ctx, req)
	if err != nil {
		err = errclass.Wrap(errclass.HandlerFailure, "command", key, err)
	}
	return reply, err
}

func (r *Router) finish(req Request, outcome string, start time.Time, err error) {
	cmd := req.Command
	r.metrics.Command(string(cmd.Type), outcome)
	elapsed := r.clock.Since(start)

	attrs := []any{"session_id", req.SessionID, "sender", req.Sender, "type", string(cmd.Type), "action", cmd.Action, "outcome", outcome, "duration_ms", elapsed.Milliseconds()}
	if err != nil {
		r.logger.Warn("command_failed", append(attrs, "error", err.Error())...)
	} else {
		r.logger.Info("command_handled", attrs...)
	}

	if r.audit == nil {
		return
	}
	entry := AuditEntry{
		Time:       start.UTC(),
		SessionID:  req.SessionID,
		Sender:     req.Sender,
		Type:       string(cmd.Type),
		Action:     cmd.Action,
		Outcome:    outcome,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := r.audit.Record(entry); aerr != nil {
		r.logger.Warn("command_audit_failed", "error", aerr.Error())
	}
}
