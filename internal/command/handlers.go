package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/knowledge"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/prompttmpl"
	"github.com/cornmankl/whatsapp-qr-optimizer/llm"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

const (
	listLimit   = 10
	searchLimit = 5
	titleRunes  = 50
	dateLayout  = "2006-01-02"
)

var errNoStore = errors.New("knowledge store not configured")

func formatDate(t *time.Time, fallback string) string {
	if t == nil || t.IsZero() {
		return fallback
	}
	return t.Local().Format(dateLayout)
}

func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= titleRunes {
		return s
	}
	r := []rune(s)
	return string(r[:titleRunes]) + "..."
}

func createdVia(pushName string) string {
	if strings.TrimSpace(pushName) == "" {
		return "Created via WhatsApp"
	}
	return "Created via WhatsApp by " + pushName
}

func (r *Router) taskCreate(ctx context.Context, req Request) (string, error) {
	cmd := req.Command
	if cmd.Data == "" {
		return "Sila berikan keterangan untuk task baru.", nil
	}
	if r.store == nil {
		return "❌ Gagal mencipta task. Sila cuba lagi.", errNoStore
	}
	task, err := r.store.CreateTask(ctx, knowledge.Task{
		Title:       cmd.Data,
		Description: createdVia(req.PushName),
		Priority:    knowledge.ParsePriority(cmd.Priority),
		Status:      knowledge.TaskTodo,
		DueDate:     cmd.DueDate,
		Tags:        cmd.Tags,
	})
	if err != nil {
		return "❌ Gagal mencipta task. Sila cuba lagi.", err
	}
	if r.onTask != nil {
		r.onTask(ctx, task)
	}
	return fmt.Sprintf("✅ Task berjaya dicipta:\n📝 %s\n🆔 ID: %s\n⭐ Priority: %s\n📅 Due: %s",
		task.Title, task.ID, task.Priority, formatDate(task.DueDate, "Not set")), nil
}

func (r *Router) taskList(ctx context.Context, _ Request) (string, error) {
	if r.store == nil {
		return "❌ Gagal mengambil senarai task.", errNoStore
	}
	tasks, err := r.store.ListTasks(ctx, knowledge.TaskFilter{Status: knowledge.TaskTodo, Limit: listLimit})
	if err != nil {
		return "❌ Gagal mengambil senarai task.", err
	}
	if len(tasks) == 0 {
		return "📋 Tiada task aktif.", nil
	}
	var b strings.Builder
	b.WriteString("📋 *Senarai Task Aktif:*\n\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s\n   🆔 %s\n   ⭐ %s\n   📅 %s\n\n", i+1, t.Title, t.ID, t.Priority, formatDate(t.DueDate, "No due date"))
	}
	return b.String(), nil
}

func (r *Router) taskComplete(ctx context.Context, req Request) (string, error) {
	id := strings.TrimSpace(req.Command.Data)
	if id == "" {
		return "Sila berikan ID task yang ingin dilengkapkan.", nil
	}
	if r.store == nil {
		return "❌ Gagal melengkapkan task. Sila pastikan ID adalah betul.", errNoStore
	}
	task, err := r.store.SetTaskStatus(ctx, id, knowledge.TaskDone)
	if err != nil {
		return "❌ Gagal melengkapkan task. Sila pastikan ID adalah betul.", err
	}
	return fmt.Sprintf("✅ Task %q telah dilengkapkan!", task.Title), nil
}

func (r *Router) noteCreate(ctx context.Context, req Request) (string, error) {
	cmd := req.Command
	if cmd.Data == "" {
		return "Sila berikan kandungan untuk note baru.", nil
	}
	if r.store == nil {
		return "❌ Gagal mencipta note. Sila cuba lagi.", errNoStore
	}
	note, err := r.store.CreateNote(ctx, knowledge.Note{
		Title:   truncateTitle(cmd.Data),
		Content: cmd.Data,
		Tags:    cmd.Tags,
	})
	if err != nil {
		return "❌ Gagal mencipta note. Sila cuba lagi.", err
	}
	return fmt.Sprintf("📝 Note berjaya dicipta:\n📋 %s\n🆔 ID: %s", note.Title, note.ID), nil
}

func (r *Router) noteList(ctx context.Context, _ Request) (string, error) {
	if r.store == nil {
		return "❌ Gagal mengambil senarai note.", errNoStore
	}
	notes, err := r.store.ListNotes(ctx, knowledge.NoteFilter{Limit: listLimit})
	if err != nil {
		return "❌ Gagal mengambil senarai note.", err
	}
	if len(notes) == 0 {
		return "📝 Tiada note.", nil
	}
	var b strings.Builder
	b.WriteString("📝 *Senarai Note:*\n\n")
	for i, n := range notes {
		created := n.CreatedAt
		fmt.Fprintf(&b, "%d. %s\n   🆔 %s\n   📅 %s\n\n", i+1, n.Title, n.ID, formatDate(&created, "-"))
	}
	return b.String(), nil
}

func (r *Router) projectCreate(ctx context.Context, req Request) (string, error) {
	cmd := req.Command
	if cmd.Data == "" {
		return "Sila berikan nama untuk project baru.", nil
	}
	if r.store == nil {
		return "❌ Gagal mencipta project. Sila cuba lagi.", errNoStore
	}
	p, err := r.store.CreateProject(ctx, knowledge.Project{
		Name:        cmd.Data,
		Description: createdVia(req.PushName),
		Status:      knowledge.ProjectPlanning,
	})
	if err != nil {
		return "❌ Gagal mencipta project. Sila cuba lagi.", err
	}
	return fmt.Sprintf("🚀 Project berjaya dicipta:\n📋 %s\n🆔 ID: %s", p.Name, p.ID), nil
}

func (r *Router) projectList(ctx context.Context, _ Request) (string, error) {
	if r.store == nil {
		return "❌ Gagal mengambil senarai project.", errNoStore
	}
	projects, err := r.store.ListProjects(ctx, knowledge.ProjectFilter{Status: knowledge.ProjectActive})
	if err != nil {
		return "❌ Gagal mengambil senarai project.", err
	}
	if len(projects) == 0 {
		return "🚀 Tiada project aktif.", nil
	}
	var b strings.Builder
	b.WriteString("🚀 *Senarai Project Aktif:*\n\n")
	for i, p := range projects {
		created := p.CreatedAt
		fmt.Fprintf(&b, "%d. %s\n   🆔 %s\n   📅 %s\n\n", i+1, p.Name, p.ID, formatDate(&created, "-"))
	}
	return b.String(), nil
}

func (r *Router) search(ctx context.Context, req Request) (string, error) {
	term := strings.TrimSpace(req.Command.Data)
	if term == "" {
		return "Sila berikan kata kunci untuk pencarian.", nil
	}
	if r.store == nil {
		return "❌ Gagal melakukan pencarian.", errNoStore
	}
	res, err := r.store.Search(ctx, term, searchLimit)
	if err != nil {
		return "❌ Gagal melakukan pencarian.", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 *Hasil Pencarian untuk %q:*\n\n", term)
	if len(res.Tasks) > 0 {
		b.WriteString("📋 *Tasks:*\n")
		for _, t := range res.Tasks {
			fmt.Fprintf(&b, "• %s (ID: %s)\n", t.Title, t.ID)
		}
		b.WriteString("\n")
	}
	if len(res.Notes) > 0 {
		b.WriteString("📝 *Notes:*\n")
		for _, n := range res.Notes {
			fmt.Fprintf(&b, "• %s (ID: %s)\n", n.Title, n.ID)
		}
		b.WriteString("\n")
	}
	if len(res.Projects) > 0 {
		b.WriteString("🚀 *Projects:*\n")
		for _, p := range res.Projects {
			fmt.Fprintf(&b, "• %s (ID: %s)\n", p.Name, p.ID)
		}
		b.WriteString("\n")
	}
	if res.Empty() {
		b.WriteString("Tiada hasil dijumpai.")
	}
	return b.String(), nil
}

func (r *Router) ai(ctx context.Context, req Request) (string, error) {
	if !req.AIEnabled {
		return "AI Assistant tidak diaktifkan.", nil
	}
	prompt := strings.TrimSpace(req.Command.Data)
	if prompt == "" {
		return "Sila berikan soalan untuk AI Assistant.", nil
	}
	if r.llm == nil {
		return "❌ Gagal menghubungi AI Assistant. Sila cuba lagi.", errors.New("llm client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.aiTimeout)
	defer cancel()
	answer, err := llm.Ask(ctx, r.llm, r.model, r.renderSystemPrompt(req), prompt)
	switch {
	case errors.Is(err, llm.ErrEmptyResponse):
		answer = "Maaf, saya tidak dapat menjawab soalan anda sekarang."
	case err != nil:
		return "❌ Gagal menghubungi AI Assistant. Sila cuba lagi.", err
	}
	return "🤖 *AI Assistant:*\n\n" + answer, nil
}

// renderSystemPrompt falls back to the raw prompt when it is not a valid
// template or fails to render.
func (r *Router) renderSystemPrompt(req Request) string {
	if r.promptTmpl == nil {
		return r.systemPrompt
	}
	out, err := prompttmpl.Render(r.promptTmpl, prompttmpl.Data{
		SessionID: req.SessionID,
		Sender:    req.Sender,
		PushName:  req.PushName,
		Now:       r.clock.Now(),
	})
	if err != nil {
		r.logger.Warn("system_prompt_render_failed", "error", err.Error())
		return r.systemPrompt
	}
	return out
}

func (r *Router) status(ctx context.Context, req Request) (string, error) {
	if r.store == nil {
		return "❌ Gagal mendapatkan status.", errNoStore
	}
	var tasks, notes, projects int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		tasks, err = r.store.CountTasks(gctx, knowledge.TaskFilter{Status: knowledge.TaskTodo})
		return err
	})
	g.Go(func() (err error) {
		notes, err = r.store.CountNotes(gctx, knowledge.NoteFilter{})
		return err
	})
	g.Go(func() (err error) {
		projects, err = r.store.CountProjects(gctx, knowledge.ProjectFilter{Status: knowledge.ProjectActive})
		return err
	})
	if err := g.Wait(); err != nil {
		return "❌ Gagal mendapatkan status.", err
	}

	ai, bot := "Tidak Aktif", "Offline"
	if req.AIEnabled {
		ai = "Aktif"
	}
	if req.Connected {
		bot = "Online"
	}
	return fmt.Sprintf("📊 *Status Second Brain:*\n\n"+
		"📋 Task Aktif: %d\n"+
		"📝 Total Notes: %d\n"+
		"🚀 Active Projects: %d\n\n"+
		"🤖 AI Assistant: %s\n"+
		"📱 WhatsApp Bot: %s", tasks, notes, projects, ai, bot), nil
}

const helpText = "🤖 *Second Brain WhatsApp Bot - Bantuan*\n\n" +
	"📋 *Task Commands:*\n" +
	"• task create [keterangan] - Cipta task baru\n" +
	"• tugas create [keterangan] - Cipta task baru\n" +
	"• task list - Senarai task aktif\n" +
	"• tugas list - Senarai task aktif\n" +
	"• task complete [id] - Lengkapkan task\n" +
	"• tugas complete [id] - Lengkapkan task\n\n" +
	"📝 *Note Commands:*\n" +
	"• note create [kandungan] - Cipta note baru\n" +
	"• catatan create [kandungan] - Cipta note baru\n" +
	"• note list - Senarai semua note\n" +
	"• catatan list - Senarai semua note\n\n" +
	"🚀 *Project Commands:*\n" +
	"• project create [nama] - Cipta project baru\n" +
	"• projek create [nama] - Cipta project baru\n" +
	"• project list - Senarai project aktif\n" +
	"• projek list - Senarai project aktif\n\n" +
	"🔍 *Search Commands:*\n" +
	"• search [kata kunci] - Cari dalam semua kandungan\n" +
	"• cari [kata kunci] - Cari dalam semua kandungan\n\n" +
	"🤖 *AI Commands:*\n" +
	"• ai [soalan] - Tanya AI Assistant\n" +
	"• assistant [soalan] - Tanya AI Assistant\n\n" +
	"📊 *Other Commands:*\n" +
	"• status - Dapatkan status sistem\n" +
	"• help - Papar bantuan ini\n\n" +
	"🏷️ *Pilihan:* #tag, !high / !medium / !low, due:YYYY-MM-DD\n\n" +
	"💡 *Tips:* Anda juga boleh hantar mesej terus untuk AI Assistant!"

func (r *Router) help(context.Context, Request) (string, error) {
	return helpText, nil
}

// HandleMedia files an attachment as a note. Only the descriptor is stored.
func (r *Router) HandleMedia(ctx context.Context, in Inbound, media transport.Media) (string, error) {
	start := r.clock.Now()
	req := Request{Inbound: in, Command: Command{Type: TypeNote, Action: ActionCreate}}
	reply, err := r.invoke(ctx, "media", r.storeMedia(media), req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.finish(req, outcome, start, err)
	if err != nil {
		return "Maaf, terjadi kesalahan semasa memproses media.", nil
	}
	return reply, nil
}

func (r *Router) storeMedia(media transport.Media) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		if r.store == nil {
			return "", errNoStore
		}
		name := strings.TrimSpace(req.PushName)
		if name == "" {
			name = req.Sender
		}
		content := fmt.Sprintf("Media %s diterima melalui WhatsApp", media.Kind)
		if c := strings.TrimSpace(media.Caption); c != "" {
			content += "\n\n" + c
		}
		note, err := r.store.CreateNote(ctx, knowledge.Note{
			Title:     "Media dari " + name,
			Content:   content,
			MediaURL:  media.URL,
			MediaType: string(media.Kind),
		})
		if err != nil {
			return "", err
		}
		file := media.FileName
		if file == "" {
			file = note.ID + "." + media.Extension()
		}
		return "📎 *Media Diterima*\n\n" +
			"📝 *Note ID:* " + note.ID + "\n" +
			"📋 *Type:* " + string(media.Kind) + "\n" +
			"📁 *File:* " + file + "\n\n" +
			"Media telah disimpan sebagai note dalam Second Brain anda.", nil
	}
}
