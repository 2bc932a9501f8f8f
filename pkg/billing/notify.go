package billing

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultNotifyTimeout     = 10 * time.Second
	defaultNotifyMaxInFlight = 16
)

// NotificationKind selects the email template.
type NotificationKind string

const (
	NotifySubscriptionActivated NotificationKind = "subscription_activated"
	NotifyPaymentFailed         NotificationKind = "payment_failed"
)

// Notification is a pending billing email produced by the Reconciler.
type Notification struct {
	Kind   NotificationKind
	To     string
	UserID string
	Plan   Plan
}

// Email is a rendered message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Render builds the email for n.
func (n Notification) Render() Email {
	switch n.Kind {
	case NotifyPaymentFailed:
		return Email{
			To:      n.To,
			Subject: "Payment Failed",
			HTML: "<h2>We couldn't process your payment</h2>\n" +
				"<p>Please update your billing info to continue enjoying your benefits.</p>",
		}
	default:
		plan := strings.ToUpper(html.EscapeString(string(n.Plan)))
		return Email{
			To:      n.To,
			Subject: "Subscription Activated!",
			HTML: fmt.Sprintf("<h2>Welcome to the %s plan!</h2>\n"+
				"<p>Your subscription is active. Enjoy your new features.</p>", plan),
		}
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Mailer  Mailer
	Logger  Logger
	Metrics Metrics

	// Timeout bounds each send. Default: 10s.
	Timeout time.Duration

	// MaxInFlight bounds concurrent sends. Default: 16.
	MaxInFlight int64
}

// Dispatcher sends billing emails in the background. Send failures are
// logged and counted; they never reach the webhook caller.
type Dispatcher struct {
	mailer  Mailer
	logger  Logger
	metrics Metrics
	timeout time.Duration
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil Mailer makes every dispatch a
// logged no-op.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = defaultNotifyTimeout
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = defaultNotifyMaxInFlight
	}
	return &Dispatcher{
		mailer:  config.Mailer,
		logger:  loggerOrNoop(config.Logger),
		metrics: metricsOrNoop(config.Metrics),
		timeout: config.Timeout,
		sem:     semaphore.NewWeighted(config.MaxInFlight),
	}
}

// Dispatch starts sending notes and returns immediately. The sends outlive
// ctx's cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, notes []Notification) {
	if len(notes) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, n := range notes {
		d.wg.Add(1)
		go func(n Notification) {
			defer d.wg.Done()
			if err := d.sem.Acquire(detached, 1); err != nil {
				return
			}
			defer d.sem.Release(1)
			if err := d.Send(detached, n); err != nil {
				d.logger.Error("billing notification failed",
					Field{"kind", n.Kind},
					Field{"userId", n.UserID},
					Err(err),
				)
			}
		}(n)
	}
}

// Send delivers n synchronously and returns a *NotificationError on failure.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	if d.mailer == nil {
		d.logger.Debug("no mailer configured, dropping notification", Field{"kind", n.Kind})
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.mailer.Send(ctx, n.Render()); err != nil {
		d.metrics.RecordNotification(string(n.Kind), "failed")
		return &NotificationError{Kind: n.Kind, To: n.To, Err: err}
	}
	d.metrics.RecordNotification(string(n.Kind), "sent")
	return nil
}

// Wait blocks until every dispatched notification finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
