// Package alert aggregates error events and escalates them to
// administrators.
//
// Services emit ErrorEvents whenever something fails in a way operators
// might care about. Notifying on every single occurrence would drown
// administrators during an incident, so the Escalator aggregates events by
// service and error code, applies a per-code threshold within a time
// window, and sends one notification per window when the threshold is
// crossed.
//
//	escalator := alert.NewEscalator(alert.DefaultPolicies(), notifier,
//	    alert.StaticRecipients("admin-1", "admin-2"))
//	go escalator.Start(ctx)
//
//	escalator.HandleErrorEvent(ctx, &alert.ErrorEvent{
//	    ServiceName:  "device-service",
//	    ErrorCode:    "DEVICE_START_FAILED",
//	    ErrorMessage: err.Error(),
//	    RequestID:    reqID,
//	    Timestamp:    time.Now(),
//	})
package alert

import (
	"context"
	"time"
)

// Severity ranks how urgently administrators should react.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Icon returns the marker prefixed to notification titles.
func (s Severity) Icon() string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityHigh:
		return "🟠"
	case SeverityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

// Channel names a delivery channel for administrator notifications.
type Channel string

const (
	ChannelWebsocket Channel = "websocket"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
)

// Policy controls when a given error code escalates.
type Policy struct {
	// ErrorCode this policy applies to.
	ErrorCode string

	Severity Severity

	// Threshold is how many occurrences within the window trigger a
	// notification. 1 means notify immediately.
	Threshold int

	// Window is the aggregation window. One notification at most is sent
	// per aggregation key per window.
	Window time.Duration

	// Channels the notification should go out on.
	Channels []Channel
}

// ErrorEvent is a single error occurrence reported by a service.
type ErrorEvent struct {
	ServiceName  string
	ErrorCode    string
	ErrorMessage string

	// StackTrace, when set, is attached to the notification so operators
	// can locate the failure without digging through logs.
	StackTrace string

	// UserMessage is an optional operator-friendly summary.
	UserMessage string

	// RequestID correlates the occurrence with request logs. A sample of
	// request IDs is attached to the notification.
	RequestID string

	// UserID, when set, is counted toward the affected-user total.
	UserID string

	Metadata  map[string]any
	Timestamp time.Time
}

// AggregationKey groups occurrences of the same failure: all events from
// one service with one error code share a counter.
func (e *ErrorEvent) AggregationKey() string {
	return e.ServiceName + ":" + e.ErrorCode
}

// Notification is the rendered message handed to the Notifier.
type Notification struct {
	Title    string
	Body     string
	Severity Severity
	Channels []Channel

	// Data carries structured details for rich clients: error code,
	// occurrence counts, sample request IDs, and an actionUrl deep link
	// to the error detail page.
	Data map[string]any
}

// Notifier delivers one notification to one recipient. Failures for one
// recipient never block delivery to the others.
type Notifier func(ctx context.Context, recipientID string, n Notification) error

// Recipients resolves the administrator IDs to notify. Resolved per
// notification so role changes take effect without restarts.
type Recipients func(ctx context.Context) ([]string, error)

// StaticRecipients returns a fixed recipient list.
func StaticRecipients(ids ...string) Recipients {
	return func(context.Context) ([]string, error) {
		return ids, nil
	}
}

// DefaultPolicies returns the built-in escalation table, keyed by error
// code. Infrastructure outages notify immediately; operation failures
// need a run of occurrences; noise-level codes need a flood.
func DefaultPolicies() map[string]Policy {
	policies := []Policy{
		// Infrastructure outages: a single occurrence is an incident.
		{ErrorCode: "INTERNAL_SERVER_ERROR", Severity: SeverityCritical, Threshold: 1, Window: 5 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "DATABASE_CONNECTION_FAILED", Severity: SeverityCritical, Threshold: 1, Window: 5 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "REDIS_CONNECTION_FAILED", Severity: SeverityCritical, Threshold: 1, Window: 5 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "BROKER_CONNECTION_FAILED", Severity: SeverityCritical, Threshold: 1, Window: 5 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},

		// Operation failures: escalate after a short run.
		{ErrorCode: "DEVICE_START_FAILED", Severity: SeverityHigh, Threshold: 3, Window: 10 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "DEVICE_STOP_FAILED", Severity: SeverityHigh, Threshold: 3, Window: 10 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "EVENT_DELIVERY_FAILED", Severity: SeverityHigh, Threshold: 3, Window: 10 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "PAYMENT_FAILED", Severity: SeverityHigh, Threshold: 5, Window: 15 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "PAYMENT_GATEWAY_UNAVAILABLE", Severity: SeverityHigh, Threshold: 3, Window: 10 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},
		{ErrorCode: "STORAGE_CONNECTION_FAILED", Severity: SeverityHigh, Threshold: 5, Window: 15 * time.Minute, Channels: []Channel{ChannelWebsocket, ChannelEmail}},

		// Expected-but-noteworthy conditions.
		{ErrorCode: "ACCOUNT_LOCKED", Severity: SeverityMedium, Threshold: 10, Window: 30 * time.Minute, Channels: []Channel{ChannelWebsocket}},
		{ErrorCode: "QUOTA_EXCEEDED", Severity: SeverityMedium, Threshold: 10, Window: 30 * time.Minute, Channels: []Channel{ChannelWebsocket}},
		{ErrorCode: "INSUFFICIENT_BALANCE", Severity: SeverityMedium, Threshold: 10, Window: 30 * time.Minute, Channels: []Channel{ChannelWebsocket}},

		// Noise unless something is flooding.
		{ErrorCode: "VALIDATION_ERROR", Severity: SeverityLow, Threshold: 50, Window: time.Hour, Channels: []Channel{ChannelWebsocket}},
	}

	table := make(map[string]Policy, len(policies))
	for _, p := range policies {
		table[p.ErrorCode] = p
	}
	return table
}
