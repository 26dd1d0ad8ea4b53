// Package notify delivers human-readable notices about ranker lifecycle
// events such as migrations and training failures.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notice.
type Kind string

// Notice kinds.
const (
	KindMigration Kind = "migration"
	KindError     Kind = "error"
	KindInfo      Kind = "info"
)

// Notice is one message for operators or connected clients.
type Notice struct {
	ID      string    `json:"id"`
	Ranker  string    `json:"ranker"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// New creates a notice with a fresh ID and the current time.
func New(ranker string, kind Kind, message string) Notice {
	return Notice{
		ID:      uuid.New().String(),
		Ranker:  ranker,
		Kind:    kind,
		Message: message,
		Time:    time.Now().UTC(),
	}
}

// Notifier is a fire-and-forget sink. Implementations must not block for long
// and never report delivery failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice)

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Nop discards every notice.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notice) {}

// Multi fans a notice out to several notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, t := range m {
		if t != nil {
			t.Notify(ctx, n)
		}
	}
}
