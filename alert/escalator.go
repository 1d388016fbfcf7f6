package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxSampleRequestIDs bounds how many request IDs a notification carries.
const maxSampleRequestIDs = 5

// aggregate is the running tally for one aggregation key.
type aggregate struct {
	serviceName string
	errorCode   string
	count       int
	firstSeen   time.Time
	lastSeen    time.Time
	users       map[string]struct{}
	requestIDs  []string
}

// Escalator applies escalation policies to a stream of error events.
//
// State is held in process: each replica counts the events it sees, so
// with N replicas behind a load balancer a threshold of T fires once a
// single replica has seen T occurrences, not once the fleet has. Sizing
// thresholds with replica count in mind is the operator's job.
//
// All methods are safe for concurrent use.
type Escalator struct {
	policies   map[string]Policy
	notifier   Notifier
	recipients Recipients
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	aggregates map[string]*aggregate
	notified   map[string]time.Time // dedup key -> window start
}

// NewEscalator creates an escalator. Events whose error code has no
// policy are ignored.
func NewEscalator(policies map[string]Policy, n Notifier, r Recipients) *Escalator {
	return &Escalator{
		policies:   policies,
		notifier:   n,
		recipients: r,
		logger:     slog.Default().With("component", "alert.escalator"),
		now:        time.Now,
		aggregates: make(map[string]*aggregate),
		notified:   make(map[string]time.Time),
	}
}

// WithLogger sets a custom logger.
func (e *Escalator) WithLogger(l *slog.Logger) *Escalator {
	e.logger = l
	return e
}

// WithClock overrides the time source. Test hook.
func (e *Escalator) WithClock(now func() time.Time) *Escalator {
	e.now = now
	return e
}

// HandleErrorEvent folds one occurrence into its aggregate and notifies
// administrators if the policy threshold is crossed for the first time in
// the current window. After a notification the aggregate resets, so the
// next notification needs a fresh run of occurrences.
func (e *Escalator) HandleErrorEvent(ctx context.Context, ev *ErrorEvent) error {
	policy, ok := e.policies[ev.ErrorCode]
	if !ok {
		e.logger.Debug("no policy for error code, skipping",
			"error_code", ev.ErrorCode,
			"service", ev.ServiceName)
		return nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	key := ev.AggregationKey()

	e.mu.Lock()
	agg, ok := e.aggregates[key]
	if !ok {
		agg = &aggregate{
			serviceName: ev.ServiceName,
			errorCode:   ev.ErrorCode,
			firstSeen:   ts,
			users:       make(map[string]struct{}),
		}
		e.aggregates[key] = agg
	}
	agg.count++
	agg.lastSeen = ts
	if ev.UserID != "" {
		agg.users[ev.UserID] = struct{}{}
	}
	if ev.RequestID != "" && len(agg.requestIDs) < maxSampleRequestIDs {
		agg.requestIDs = append(agg.requestIDs, ev.RequestID)
	}

	if agg.count < policy.Threshold {
		e.mu.Unlock()
		return nil
	}

	windowStart := e.now().Truncate(policy.Window)
	dedupKey := fmt.Sprintf("%s:%d", key, windowStart.Unix())
	if _, sent := e.notified[dedupKey]; sent {
		e.mu.Unlock()
		return nil
	}
	e.notified[dedupKey] = windowStart

	// Snapshot and reset under the lock; notify outside it.
	snapshot := *agg
	snapshot.requestIDs = append([]string(nil), agg.requestIDs...)
	agg.count = 0
	agg.users = make(map[string]struct{})
	agg.requestIDs = nil
	e.mu.Unlock()

	return e.notify(ctx, ev, &snapshot, policy)
}

// notify renders the notification and fans it out to every recipient.
// One recipient failing never blocks the rest; the error reports how many
// deliveries failed.
func (e *Escalator) notify(ctx context.Context, ev *ErrorEvent, agg *aggregate, policy Policy) error {
	recipients, err := e.recipients(ctx)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		e.logger.Warn("no recipients configured, dropping notification",
			"error_code", ev.ErrorCode)
		return nil
	}

	n := Notification{
		Title:    fmt.Sprintf("%s System error: %s", policy.Severity.Icon(), ev.ErrorCode),
		Body:     renderBody(ev, agg, policy),
		Severity: policy.Severity,
		Channels: policy.Channels,
		Data: map[string]any{
			"errorCode":          ev.ErrorCode,
			"severity":           string(policy.Severity),
			"serviceName":        ev.ServiceName,
			"count":              agg.count,
			"affectedUsersCount": len(agg.users),
			"firstOccurrence":    agg.firstSeen.Format(time.RFC3339),
			"lastOccurrence":     agg.lastSeen.Format(time.RFC3339),
			"requestIds":         agg.requestIDs,
			"errorMessage":       ev.ErrorMessage,
			"stackTrace":         ev.StackTrace,
			"userMessage":        ev.UserMessage,
			"metadata":           ev.Metadata,
			"actionUrl":          "/admin/system/errors/" + ev.ErrorCode,
		},
	}

	e.logger.Warn("escalating error",
		"error_code", ev.ErrorCode,
		"service", ev.ServiceName,
		"severity", string(policy.Severity),
		"count", agg.count,
		"recipients", len(recipients))

	failed := 0
	for _, id := range recipients {
		if err := e.notifier(ctx, id, n); err != nil {
			failed++
			e.logger.Error("notify recipient",
				"recipient", id,
				"error_code", ev.ErrorCode,
				"error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify: %d of %d deliveries failed", failed, len(recipients))
	}
	return nil
}

func renderBody(ev *ErrorEvent, agg *aggregate, policy Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\n", ev.ServiceName)
	fmt.Fprintf(&b, "Error code: %s\n", ev.ErrorCode)
	fmt.Fprintf(&b, "Severity: %s\n", strings.ToUpper(string(policy.Severity)))
	fmt.Fprintf(&b, "Occurrences: %d\n", agg.count)
	if len(agg.users) > 0 {
		fmt.Fprintf(&b, "Affected users: %d\n", len(agg.users))
	}
	fmt.Fprintf(&b, "First seen: %s\n", agg.firstSeen.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last seen: %s\n", agg.lastSeen.Format(time.RFC3339))
	if ev.UserMessage != "" {
		fmt.Fprintf(&b, "\nSummary: %s\n", ev.UserMessage)
	}
	fmt.Fprintf(&b, "\nDetail: %s\n", ev.ErrorMessage)
	if len(agg.requestIDs) > 0 {
		fmt.Fprintf(&b, "Sample requests: %s\n", strings.Join(agg.requestIDs, ", "))
	}
	if ev.StackTrace != "" {
		fmt.Fprintf(&b, "\nStack trace:\n%s\n", ev.StackTrace)
	}
	return b.String()
}

// Start runs the hourly cleanup until the context ends. Blocks; run in a
// goroutine.
func (e *Escalator) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Cleanup()
		}
	}
}

// Cleanup drops aggregates and dedup entries older than the longest
// configured window. Keeping them longer than that only wastes memory;
// thresholds never span windows.
func (e *Escalator) Cleanup() {
	var maxWindow time.Duration
	for _, p := range e.policies {
		if p.Window > maxWindow {
			maxWindow = p.Window
		}
	}
	cutoff := e.now().Add(-maxWindow)

	e.mu.Lock()
	defer e.mu.Unlock()

	removedAggs := 0
	for key, agg := range e.aggregates {
		if agg.lastSeen.Before(cutoff) {
			delete(e.aggregates, key)
			removedAggs++
		}
	}
	removedKeys := 0
	for key, windowStart := range e.notified {
		if windowStart.Before(cutoff) {
			delete(e.notified, key)
			removedKeys++
		}
	}

	if removedAggs > 0 || removedKeys > 0 {
		e.logger.Debug("cleaned up stale error aggregates",
			"aggregates", removedAggs,
			"dedup_keys", removedKeys)
	}
}

// Stats is a point-in-time view of the escalator for monitoring surfaces.
type Stats struct {
	Aggregates      int
	NotifiedWindows int
	ByService       map[string]int
	BySeverity      map[string]int
	TopErrorCodes   []string
}

// Statistics snapshots current aggregation state.
func (e *Escalator) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Aggregates:      len(e.aggregates),
		NotifiedWindows: len(e.notified),
		ByService:       make(map[string]int),
		BySeverity:      make(map[string]int),
	}
	counts := make(map[string]int)
	for _, agg := range e.aggregates {
		st.ByService[agg.serviceName]++
		if p, ok := e.policies[agg.errorCode]; ok {
			st.BySeverity[string(p.Severity)]++
		}
		counts[agg.errorCode] += agg.count
	}
	for code := range counts {
		st.TopErrorCodes = append(st.TopErrorCodes, code)
	}
	sort.Slice(st.TopErrorCodes, func(i, j int) bool {
		ci, cj := counts[st.TopErrorCodes[i]], counts[st.TopErrorCodes[j]]
		if ci != cj {
			return ci > cj
		}
		return st.TopErrorCodes[i] < st.TopErrorCodes[j]
	})
	return st
}
