package command

import (
	"strings"
	"time"
)

type Type string

const (
	TypeTask    Type = "task"
	TypeNote    Type = "note"
	TypeProject Type = "project"
	TypeSearch  Type = "search"
	TypeList    Type = "list"
	TypeHelp    Type = "help"
	TypeAI      Type = "ai"
	TypeRemind  Type = "remind"
	TypeStatus  Type = "status"
)

const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionList     = "list"
	ActionSearch   = "search"
	ActionComplete = "complete"
	ActionStart    = "start"
	ActionStop     = "stop"
)

// Command is one parsed chat message. Type is always set.
type Command struct {
	Type     Type       `json:"type"`
	Action   string     `json:"action,omitempty"`
	Data     string     `json:"data,omitempty"`
	Priority string     `json:"priority,omitempty"`
	DueDate  *time.Time `json:"dueDate,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
}

// Key is the handler lookup key, "<type>_<action>" with "default" standing
// in for a missing action.
func (c Command) Key() string {
	action := c.Action
	if action == "" {
		action = "default"
	}
	return string(c.Type) + "_" + action
}

type verbShape int

const (
	shapeAction verbShape = iota + 1
	shapeData
	shapeBare
)

var verbs = map[string]struct {
	typ   Type
	shape verbShape
}{
	"task":      {TypeTask, shapeAction},
	"tugas":     {TypeTask, shapeAction},
	"note":      {TypeNote, shapeAction},
	"catatan":   {TypeNote, shapeAction},
	"project":   {TypeProject, shapeAction},
	"projek":    {TypeProject, shapeAction},
	"search":    {TypeSearch, shapeData},
	"cari":      {TypeSearch, shapeData},
	"ai":        {TypeAI, shapeData},
	"assistant": {TypeAI, shapeData},
	"status":    {TypeStatus, shapeBare},
	"help":      {TypeHelp, shapeBare},
	"bantuan":   {TypeHelp, shapeBare},
}

// Parse never fails: text that does not start with a known verb becomes an
// ai command carrying the whole message.
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	verb, rest := splitWord(trimmed)
	spec, ok := verbs[strings.ToLower(verb)]
	if !ok {
		return Command{Type: TypeAI, Data: trimmed}
	}

	switch spec.shape {
	case shapeBare:
		return Command{Type: spec.typ}
	case shapeData:
		return Command{Type: spec.typ, Data: rest}
	}

	action, data := splitWord(rest)
	cmd := Command{Type: spec.typ, Action: strings.ToLower(action)}
	cmd.Data, cmd.Priority, cmd.DueDate, cmd.Tags = extractOptions(data)
	return cmd
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\n\r")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

// extractOptions strips inline options out of free text:
// "#tag" adds a tag, "!high" sets the priority, "due:2026-03-02" the due date.
// Tokens that do not parse as options are kept verbatim.
func extractOptions(data string) (rest, priority string, due *time.Time, tags []string) {
	fields := strings.Fields(data)
	kept := fields[:0]
	for _, f := range fields {
		lower := strings.ToLower(f)
		switch {
		case len(f) > 1 && f[0] == '#':
			tags = append(tags, lower[1:])
			continue
		case lower == "!low" || lower == "!medium" || lower == "!high":
			priority = lower[1:]
			continue
		case strings.HasPrefix(lower, "due:"):
			if d, err := time.ParseInLocation("2006-01-02", f[len("due:"):], time.Local); err == nil {
				due = &d
				continue
			}
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " "), priority, due, tags
}
