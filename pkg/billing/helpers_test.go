package billing_test

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// fakeAdapter returns a fixed ProviderEvent for its provider.
type fakeAdapter struct {
	provider billing.ProviderName
	event    billing.ProviderEvent
	err      error
}

func (a *fakeAdapter) Provider() billing.ProviderName { return a.provider }

func (a *fakeAdapter) Extract(context.Context, []byte) (billing.ProviderEvent, error) {
	return a.event, a.err
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, fields []billing.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...billing.Field) { l.record("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...billing.Field)  { l.record("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...billing.Field)  { l.record("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...billing.Field) { l.record("error", msg, fields) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type recordingMetrics struct {
	billing.NoopMetrics

	mu            sync.Mutex
	fallbacks     []string
	planChanges   []string
	reconciles    []string
	notifications []string
	events        []string
}

func (m *recordingMetrics) RecordPlanFallback(provider, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, provider+":"+reason)
}

func (m *recordingMetrics) RecordPlanChange(provider, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planChanges = append(m.planChanges, from+"->"+to)
}

func (m *recordingMetrics) RecordReconcile(provider, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, action)
}

func (m *recordingMetrics) RecordNotification(kind, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, kind+":"+status)
}

func (m *recordingMetrics) RecordWebhookEvent(provider, eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, status)
}

func (m *recordingMetrics) snapshot() recordingMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return recordingMetrics{
		fallbacks:     append([]string(nil), m.fallbacks...),
		planChanges:   append([]string(nil), m.planChanges...),
		reconciles:    append([]string(nil), m.reconciles...),
		notifications: append([]string(nil), m.notifications...),
		events:        append([]string(nil), m.events...),
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
