// Package knowledge is the second-brain record store: tasks, notes,
// projects and tags.
package knowledge

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("knowledge: record not found")
	ErrInvalidInput = errors.New("knowledge: invalid input")
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ParsePriority accepts any casing and falls back to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
)

type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "PLANNING"
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectOnHold    ProjectStatus = "ON_HOLD"
	ProjectCompleted ProjectStatus = "COMPLETED"
)

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskFilter fields are ANDed; zero values are ignored.
type TaskFilter struct {
	Status       TaskStatus
	DueBefore    time.Time
	CreatedSince time.Time
	UpdatedSince time.Time
	Limit        int
}

type NoteFilter struct {
	CreatedSince time.Time
	Limit        int
}

type ProjectFilter struct {
	Status       ProjectStatus
	CreatedSince time.Time
	Limit        int
}

type SearchResult struct {
	Tasks    []Task    `json:"tasks"`
	Notes    []Note    `json:"notes"`
	Projects []Project `json:"projects"`
}

func (r SearchResult) Empty() bool {
	return len(r.Tasks) == 0 && len(r.Notes) == 0 && len(r.Projects) == 0
}

type Store interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, t Task) (Task, error)
	SetTaskStatus(ctx context.Context, id string, status TaskStatus) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	CountTasks(ctx context.Context, f TaskFilter) (int, error)

	CreateNote(ctx context.Context, n Note) (Note, error)
	GetNote(ctx context.Context, id string) (Note, error)
	ListNotes(ctx context.Context, f NoteFilter) ([]Note, error)
	UpdateNote(ctx context.Context, n Note) (Note, error)
	DeleteNote(ctx context.Context, id string) error
	CountNotes(ctx context.Context, f NoteFilter) (int, error)

	CreateProject(ctx context.Context, p Project) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error)
	UpdateProject(ctx context.Context, p Project) (Project, error)
	DeleteProject(ctx context.Context, id string) error
	CountProjects(ctx context.Context, f ProjectFilter) (int, error)

	CreateTag(ctx context.Context, t Tag) (Tag, error)
	ListTags(ctx context.Context) ([]Tag, error)
	DeleteTag(ctx context.Context, id string) error

	Search(ctx context.Context, term string, limit int) (SearchResult, error)
	Close() error
}
