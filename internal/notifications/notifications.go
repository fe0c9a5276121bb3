// Package notifications delivers operational alerts raised by the budget
// enforcer and the health monitor.
package notifications

import (
	"context"
	"log/slog"
	"sync"
)

type Type string

const (
	TypeBudgetWarning  Type = "budget_warning"
	TypeBudgetExceeded Type = "budget_exceeded"
	TypeProviderDown   Type = "provider_down"
	TypeProviderUp     Type = "provider_up"
)

type Notification struct {
	Type    Type           `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// InMemoryNotifier records notifications in process memory and fans them
// out to registered handlers. It backs single-node deployments and tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
	}
}

func (n *InMemoryNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"subject", notification.Subject,
	)
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = n.notifications[:0]
}
