package main

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duet-app/duet-realtime/pkg/directory"
	"github.com/duet-app/duet-realtime/pkg/realtime"
	"github.com/duet-app/duet-realtime/pkg/topics"
	"github.com/duet-app/duet-realtime/pkg/wire"
)

// DeliveryResult names the channel a notification ended up on.
type DeliveryResult string

const (
	ResultRealtime       DeliveryResult = "realtime"
	ResultPush           DeliveryResult = "push"
	ResultNoSubscription DeliveryResult = "no_subscription"
	ResultFailed         DeliveryResult = "failed"
)

// Notification is the app-facing payload handed to the dispatcher.
type Notification struct {
	Title    string
	Body     string
	OpenURL  string
	Metadata map[string]string
}

// Dispatcher picks the delivery channel per recipient: connected users get
// the notification on their private realtime topic, everyone else goes
// through the push subscriptions. One recipient's failure never touches
// another's delivery.
type Dispatcher struct {
	pub    realtime.Publisher
	subs   directory.PushSubscriptions
	sender directory.PushSender
	ns     topics.Namespace

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	breakerThreshold int
	breakerCooldown  int

	deliveries metric.Int64Counter
}

func NewDispatcher(pub realtime.Publisher, subs directory.PushSubscriptions, sender directory.PushSender, ns topics.Namespace, meter metric.Meter) *Dispatcher {
	deliveries, err := meter.Int64Counter("notification_deliveries_total",
		metric.WithDescription("Notification dispatch outcomes by channel"))
	if err != nil {
		slog.Warn("Failed to create delivery counter", "error", err)
	}
	return &Dispatcher{
		pub:              pub,
		subs:             subs,
		sender:           sender,
		ns:               ns,
		breakers:         make(map[string]*CircuitBreaker),
		breakerThreshold: 5,
		breakerCooldown:  30,
		deliveries:       deliveries,
	}
}

// Dispatch delivers one notification to one recipient. It never returns an
// error for delivery failures; the result says what happened and the caller
// moves on to the next recipient.
func (d *Dispatcher) Dispatch(ctx context.Context, user directory.User, n Notification) DeliveryResult {
	result := d.dispatch(ctx, user, n)
	if d.deliveries != nil {
		d.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, user directory.User, n Notification) DeliveryResult {
	if user.Status == wire.StatusOnline {
		return d.deliverRealtime(ctx, user, n)
	}
	return d.deliverPush(ctx, user, n)
}

func (d *Dispatcher) deliverRealtime(ctx context.Context, user directory.User, n Notification) DeliveryResult {
	data, err := wire.Encode(wire.NotificationEvent{
		Title:    n.Title,
		Body:     n.Body,
		OpenURL:  n.OpenURL,
		Metadata: n.Metadata,
	}, wire.SourceServer)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode notification event", "user", user.ID, "error", err)
		return ResultFailed
	}
	if err := d.pub.Publish(ctx, d.ns.Notifications(user.ID), data); err != nil {
		slog.WarnContext(ctx, "Failed to publish realtime notification", "user", user.ID, "error", err)
		return ResultFailed
	}
	return ResultRealtime
}

func (d *Dispatcher) deliverPush(ctx context.Context, user directory.User, n Notification) DeliveryResult {
	subs, err := d.subs.ForUser(ctx, user.ID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to list push subscriptions", "user", user.ID, "error", err)
		return ResultFailed
	}
	if len(subs) == 0 {
		slog.DebugContext(ctx, "No push subscriptions for offline user", "user", user.ID)
		return ResultNoSubscription
	}

	payload, err := wire.Encode(wire.NotificationEvent{
		Title:    n.Title,
		Body:     n.Body,
		OpenURL:  n.OpenURL,
		Metadata: n.Metadata,
	}, wire.SourceServer)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode push payload", "user", user.ID, "error", err)
		return ResultFailed
	}

	delivered := false
	for _, sub := range subs {
		cb := d.breakerFor(sub.Endpoint)
		if !cb.Allow() {
			slog.DebugContext(ctx, "Push endpoint circuit open, skipping", "user", user.ID, "endpoint", sub.Endpoint)
			continue
		}
		if err := d.sender.Send(ctx, sub, payload); err != nil {
			cb.RecordFailure()
			slog.WarnContext(ctx, "Push send failed", "user", user.ID, "endpoint", sub.Endpoint, "error", err)
			continue
		}
		cb.RecordSuccess()
		delivered = true
	}
	if !delivered {
		return ResultFailed
	}
	return ResultPush
}

func (d *Dispatcher) breakerFor(endpoint string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb := d.breakers[endpoint]
	if cb == nil {
		cb = NewCircuitBreaker(d.breakerThreshold, d.breakerCooldown)
		d.breakers[endpoint] = cb
	}
	return cb
}
