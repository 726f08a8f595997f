// Package alert fans an operator-facing notification out to zero or more
// channels (Slack, Telegram, ...), never blocking the dispatch path on
// delivery.
package alert

import (
	"context"
	"sync"
	"time"

	"dispatchcore/internal/core"
)

// Level is the severity of an alert.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is what a Channel delivers.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is one delivery target.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to every registered channel concurrently and
// independently; a slow or failing channel never blocks the others or the
// caller.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewManager builds a Manager with no channels registered.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.With(map[string]any{"component": "alert_manager"})}
}

// AddChannel registers a delivery target.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info(core.LogEvent{Name: "alert_channel_added", Attrs: map[string]any{"channel": ch.Name()}})
}

// Raise triggers an alert on every registered channel. It returns once the
// fan-out goroutines are scheduled; it does not wait for delivery, because
// the dispatcher's hot path must never stall on an alert sink being slow.
func (m *Manager) Raise(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{Level: level, Title: title, Message: message, Timestamp: time.Now(), Fields: fields}

	m.logger.Info(core.LogEvent{Name: "alert_raised", Attrs: map[string]any{"title": title, "level": string(level)}})

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error(core.LogEvent{Name: "alert_delivery_failed", Attrs: map[string]any{
					"channel": c.Name(), "error": err.Error(),
				}})
			}
		}(ch)
	}
}
