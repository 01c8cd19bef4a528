package logging_test

import (
	"context"
	"testing"
	"time"

	"stonefall/server/logging"
	"stonefall/server/logging/sinks"
)

func fixedClock(at time.Time) logging.ClockFunc {
	return func() time.Time { return at }
}

func drainRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}
}

func TestRouterDeliversToSinks(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(fixedClock(now), logging.Config{}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), logging.Event{
		Type:     "replication.state_changed",
		Tick:     7,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryReplication,
	})
	drainRouter(t, router)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("delivered events = %d, want 1", len(events))
	}
	event := events[0]
	if event.Type != "replication.state_changed" || event.Tick != 7 {
		t.Fatalf("delivered event = %+v", event)
	}
	if !event.Time.Equal(now) {
		t.Fatalf("event time = %v, want clock time %v", event.Time, now)
	}
	if stats := router.Stats(); stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{MinimumSeverity: logging.SeverityWarn}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: "quiet", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "loud", Severity: logging.SeverityError})
	drainRouter(t, router)

	events := memory.Events()
	if len(events) != 1 || events[0].Type != "loud" {
		t.Fatalf("delivered events = %+v, want only the error", events)
	}
}

func TestRouterIgnoresUntypedAndPostCloseEvents(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityError})
	drainRouter(t, router)
	router.Publish(context.Background(), logging.Event{Type: "late"})

	if events := memory.Events(); len(events) != 0 {
		t.Fatalf("delivered events = %+v, want none", events)
	}
}

func TestRouterAttachesConfiguredFields(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{
		Fields: map[string]any{"host": "test-1"},
	}, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), logging.Event{
		Type:  "transport.peer_connected",
		Extra: map[string]any{"host": "caller-wins"},
	})
	router.Publish(context.Background(), logging.Event{Type: "transport.peer_disconnected"})
	drainRouter(t, router)

	events := memory.Events()
	if len(events) != 2 {
		t.Fatalf("delivered events = %d, want 2", len(events))
	}
	if got := events[0].Extra["host"]; got != "caller-wins" {
		t.Fatalf("caller-set field overwritten: %v", got)
	}
	if got := events[1].Extra["host"]; got != "test-1" {
		t.Fatalf("configured field missing: %v", got)
	}
}

func TestWithFieldsWrapsPublisher(t *testing.T) {
	var captured logging.Event
	inner := logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		captured = event
	})

	wrapped := logging.WithFields(inner, map[string]any{"region": "eu"})
	wrapped.Publish(context.Background(), logging.Event{Type: "transport.send_failed"})

	if captured.Extra["region"] != "eu" {
		t.Fatalf("wrapped publisher extra = %+v", captured.Extra)
	}
}

func TestMetricsAccumulate(t *testing.T) {
	var metrics logging.Metrics
	metrics.TelemetryAdd("replica_stale_drop", 2)
	metrics.TelemetryStore("replica_stale_drop", 5)
	metrics.TelemetryAdd("replica_stale_drop", 3)

	snapshot := metrics.Snapshot()
	if got := snapshot["replica_stale_drop"]; got != 8 {
		t.Fatalf("counter = %d, want 8", got)
	}

	// Snapshot returns a copy.
	snapshot["replica_stale_drop"] = 0
	if got := metrics.Snapshot()["replica_stale_drop"]; got != 8 {
		t.Fatalf("snapshot mutation leaked into the registry: %d", got)
	}
}
