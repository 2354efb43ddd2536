// Package notify delivers operator alerts to chat channels. Alerts carry an
// event type so deployments can subscribe to the ledger events they care
// about (emergency exits, custody failures, invariant drift).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender. Notify honours the configured
// event filter and suppresses identical alerts inside the cooldown window;
// NotifyAll bypasses both.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	prefix   string
	cooldown time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithPrefix prepends prefix (e.g. "[stakeledger prod]") to every title.
func WithPrefix(prefix string) Option {
	return func(n *Notifier) { n.prefix = strings.TrimSpace(prefix) }
}

// WithCooldown drops repeats of the same event and title within d.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) { n.cooldown = d }
}

// NewNotifier creates a Notifier for senders. An empty events list allows
// every event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger, opts ...Option) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders:  senders,
		events:   allowed,
		timeout:  15 * time.Second,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends an alert for event if the filter and cooldown allow it.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "event in cooldown", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends an alert to every sender unconditionally.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[key] = now
	return false
}

// dispatch delivers to all senders concurrently. One failing sender does not
// stop the others; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if n.prefix != "" {
		title = n.prefix + " " + title
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	errs := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return nil
			}
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
