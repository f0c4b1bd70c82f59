// Package notify carries user-facing notifications (success, info, error)
// raised at session and agent state transitions.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is a user-facing message.
type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Address string    `json:"address,omitempty"` // wallet the message concerns
	At      time.Time `json:"at"`
}

// Notifier delivers notifications. Delivery is best effort; implementations
// log their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop discards everything.
var Nop Notifier = Func(func(context.Context, Notification) {})

// Success, Info and Error build stamped notifications.
func Success(title, message string) Notification { return build(LevelSuccess, title, message) }
func Info(title, message string) Notification    { return build(LevelInfo, title, message) }
func Error(title, message string) Notification   { return build(LevelError, title, message) }

func build(level Level, title, message string) Notification {
	return Notification{Level: level, Title: title, Message: message, At: time.Now().UTC()}
}

// For scopes n to a wallet address.
func (n Notification) For(address string) Notification {
	n.Address = strings.ToLower(address)
	return n
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification", "level", n.Level, "title", n.Title, "message", n.Message, "address", n.Address)
}

// Multi fans a notification out to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	var out []Notifier
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return Func(func(ctx context.Context, n Notification) {
		for _, target := range out {
			target.Notify(ctx, n)
		}
	})
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

// All returns a copy of the recorded notifications in arrival order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Count returns how many notifications of level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.all {
		if x.Level == level {
			n++
		}
	}
	return n
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = nil
}
