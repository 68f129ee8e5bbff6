package telemetry

import (
	"testing"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/eventbus"
)

func TestNewClientOptOutEnvVar(t *testing.T) {
	t.Setenv("KITAGENTD_TELEMETRY_OPTOUT", "1")
	enabled := true

	client := NewClient("1.0.0", &enabled)

	if _, ok := client.(NoOpClient); !ok {
		t.Error("KITAGENTD_TELEMETRY_OPTOUT=1 should return NoOpClient")
	}
}

func TestNewClientOptOutEnvVarAnyValue(t *testing.T) {
	t.Setenv("KITAGENTD_TELEMETRY_OPTOUT", "yes")
	enabled := true

	client := NewClient("1.0.0", &enabled)

	if _, ok := client.(NoOpClient); !ok {
		t.Error("KITAGENTD_TELEMETRY_OPTOUT with any value should return NoOpClient")
	}
}

func TestNewClientDisabledInSettings(t *testing.T) {
	disabled := false
	client := NewClient("1.0.0", &disabled)

	if _, ok := client.(NoOpClient); !ok {
		t.Error("enabled=false should return NoOpClient")
	}
}

func TestNewClientNilDefaultsToDisabled(t *testing.T) {
	client := NewClient("1.0.0", nil)

	if _, ok := client.(NoOpClient); !ok {
		t.Error("nil enabled flag should default to NoOpClient")
	}
}

func TestNoOpClientMethodsDoNotPanic(_ *testing.T) {
	client := NoOpClient{}
	client.TrackEvent(eventbus.SessionReported)
	client.Close()
}

type recordingClient struct {
	events []eventbus.Name
}

func (r *recordingClient) TrackEvent(name eventbus.Name) {
	r.events = append(r.events, name)
}

func (r *recordingClient) Close() {}

func TestSubscribeForwardsOnlyTrackedEvents(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultCapacity)
	rec := &recordingClient{}

	unsubscribe := Subscribe(bus, rec)
	defer unsubscribe()

	bus.Publish(eventbus.SessionReported, "session-1")
	bus.Publish(eventbus.FileChanged, "/some/path/to/a/file.go")
	bus.Publish(eventbus.ActivityReported, "working on the secret feature")
	bus.Publish(eventbus.SessionClosed, "session-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.events) >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected exactly 2 tracked events, got %d: %v", len(rec.events), rec.events)
	}
	if rec.events[0] != eventbus.SessionReported || rec.events[1] != eventbus.SessionClosed {
		t.Errorf("unexpected tracked events: %v", rec.events)
	}
}
