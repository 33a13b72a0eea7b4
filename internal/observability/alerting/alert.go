// Package alerting turns coded errors flagged for alerting into notifications.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "wallhost/internal/errors"
	"wallhost/pkg/logger"
)

// Channel names a notification channel.
type Channel string

// Supported channels.
const (
	ChannelLog Channel = "log"
)

// Event describes one alert.
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Notifier delivers events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher delivers events to every configured channel.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher broadcasts events to several notifiers.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout creates a dispatcher. A later notifier replaces an earlier one on
// the same channel.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify broadcasts event to every notifier and joins their failures.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the component log and the audit log.
type LogNotifier struct {
	Log *slog.Logger
}

// Channel returns the log channel.
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify logs event.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Log
	if log == nil {
		log = logger.Named("alert")
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("source", event.Source),
		slog.String("message", event.Message),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	if event.Severity == xerrors.SeverityCritical {
		log.Error("alert raised", attrs...)
	} else {
		log.Warn("alert raised", attrs...)
	}
	logger.Audit().Warn("alert", attrs...)
	return nil
}

// Alerter filters errors down to the ones worth an alert and suppresses
// repeats of the same source and code within a quiet period.
type Alerter struct {
	dispatcher Dispatcher
	quiet      time.Duration
	now        func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlerter creates an alerter. A zero quiet period disables suppression.
func NewAlerter(d Dispatcher, quiet time.Duration) *Alerter {
	return &Alerter{dispatcher: d, quiet: quiet, now: time.Now, last: make(map[string]time.Time)}
}

// Raise dispatches an event for every error in err's tree that should alert.
// Joined errors are inspected one by one. It returns how many events were sent.
func (a *Alerter) Raise(ctx context.Context, source string, err error) int {
	if a == nil || a.dispatcher == nil || err == nil {
		return 0
	}
	sent := 0
	for _, e := range flatten(err) {
		if !xerrors.ShouldAlert(e) {
			continue
		}
		coded, _ := xerrors.From(e)
		if a.suppressed(source, coded.Code()) {
			continue
		}
		event := Event{
			Code:       coded.Code(),
			Message:    coded.Error(),
			Severity:   coded.Severity(),
			Source:     source,
			Metadata:   coded.Metadata(),
			OccurredAt: a.now(),
		}
		if nerr := a.dispatcher.Notify(ctx, event); nerr != nil {
			logger.Named("alert").Warn("alert delivery failed", slog.String("source", source), slog.Any("error", nerr))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) suppressed(source string, code xerrors.Code) bool {
	if a.quiet <= 0 {
		return false
	}
	key := source + "|" + string(code)
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if at, ok := a.last[key]; ok && now.Sub(at) < a.quiet {
		return true
	}
	a.last[key] = now
	return false
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
