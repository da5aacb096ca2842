package model

import "context"

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a single human readable message for the user.
type Notification struct {
	Level   Level    `json:"level"`
	Kind    TestKind `json:"kind,omitempty"`
	JobID   JobID    `json:"job_id,omitempty"`
	Message string   `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Notifiers fans a notification out to all of its members.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, x := range ns {
		x.Notify(ctx, n)
	}
}
