package domain

import "time"

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Audience string

const (
	AudienceAdmin   Audience = "admin"
	AudienceTeacher Audience = "teacher"
)

type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at"`
	Priority  Priority       `json:"priority"`
	Audience  Audience       `json:"audience"`
	Type      string         `json:"type,omitempty"`
	Context   map[string]any `json:"context"`
}

func (n Notification) IsRead() bool { return n.ReadAt != nil }
