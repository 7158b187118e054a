package alerting_test

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	. "github.com/onsi/ginkgo/v2"

	"procodus.dev/carewatch/internal/alertlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// recordingNotifier collects enqueued alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	events []alertlog.Event
	reject bool
}

func (n *recordingNotifier) Enqueue(e alertlog.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reject {
		return false
	}
	n.events = append(n.events, e)
	return true
}

func (n *recordingNotifier) Events() []alertlog.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alertlog.Event(nil), n.events...)
}

// flakyLog fails the first failures appends, then delegates.
type flakyLog struct {
	alertlog.Log
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (l *flakyLog) Append(ctx context.Context, e alertlog.Event) (uint64, error) {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	if fail {
		return 0, l.err
	}
	return l.Log.Append(ctx, e)
}

func (l *flakyLog) List(ctx context.Context) iter.Seq2[alertlog.Event, error] {
	return l.Log.List(ctx)
}

func (l *flakyLog) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func kindsOf(events []alertlog.Event) []alertlog.Kind {
	kinds := make([]alertlog.Kind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
