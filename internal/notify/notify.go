// Package notify carries transient user-facing notifications ("toasts")
// from services to whatever front-end displays them.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

type Notification struct {
	Level   Level
	Message string
	Time    time.Time
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Error sends an error-level notification.
func Error(n Notifier, msg string) {
	send(n, LevelError, msg)
}

// Info sends an info-level notification.
func Info(n Notifier, msg string) {
	send(n, LevelInfo, msg)
}

func send(n Notifier, level Level, msg string) {
	if n == nil {
		return
	}
	n.Notify(Notification{Level: level, Message: msg, Time: time.Now()})
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch n.Level {
	case LevelError:
		logger.Error(n.Message, "source", "notification")
	case LevelWarning:
		logger.Warn(n.Message, "source", "notification")
	default:
		logger.Info(n.Message, "source", "notification")
	}
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

// All returns a copy of the received notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.all))
	copy(out, r.all)
	return out
}
