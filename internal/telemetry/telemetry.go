// Package telemetry is opt-in, best-effort usage telemetry, grounded on
// the teacher's cmd/entire/cli/telemetry/telemetry.go. Generalized from
// per-CLI-invocation command tracking onto coordinator lifecycle
// counters: it reports which eventbus.Name fired and how many times,
// never a file path, task description, branch name, or any other
// payload field — those stay out of every Capture call.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"

	"github.com/s9nkit/devops-agent-core/internal/eventbus"
)

var (
	// PostHogAPIKey is set at build time for production.
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production.
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Client is the telemetry interface every caller depends on.
type Client interface {
	TrackEvent(name eventbus.Name)
	Close()
}

// NoOpClient is used whenever telemetry is disabled or unavailable.
type NoOpClient struct{}

func (NoOpClient) TrackEvent(eventbus.Name) {}
func (NoOpClient) Close()                   {}

// silentLogger suppresses PostHog log output — expected for best-effort
// telemetry that must never interfere with the daemon's own logging.
type silentLogger struct{}

func (silentLogger) Logf(string, ...any)   {}
func (silentLogger) Debugf(string, ...any) {}
func (silentLogger) Warnf(string, ...any)  {}
func (silentLogger) Errorf(string, ...any) {}

// PostHogClient is the real telemetry client.
type PostHogClient struct {
	client    posthog.Client
	machineID string
	version   string
	mu        sync.RWMutex
}

// NewClient builds a Client based on the opt-in flag. enabled == nil or
// false disables telemetry entirely, matching the teacher's "nil
// defaults to disabled" settings convention.
//
//nolint:ireturn // factory function - returns NoOpClient or PostHogClient based on settings
func NewClient(version string, enabled *bool) Client {
	if os.Getenv("KITAGENTD_TELEMETRY_OPTOUT") != "" {
		return NoOpClient{}
	}
	if enabled == nil || !*enabled {
		return NoOpClient{}
	}

	id, err := machineid.ProtectedID("kitagentd")
	if err != nil {
		return NoOpClient{}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return NoOpClient{}
	}

	return &PostHogClient{client: client, machineID: id, version: version}
}

// TrackEvent records that one eventbus event of the given name fired.
// The payload is never inspected — only the event name and a count of
// one, so PostHog's own ingestion aggregates totals.
func (p *PostHogClient) TrackEvent(name eventbus.Name) {
	p.mu.RLock()
	c := p.client
	id := p.machineID
	p.mu.RUnlock()
	if c == nil {
		return
	}

	//nolint:errcheck // best-effort telemetry, failures should not affect the daemon
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "coordinator_event",
		Properties: posthog.NewProperties().Set("name", string(name)),
	})
}

// Close flushes pending events.
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c != nil {
		_ = c.Close()
	}
}

// trackedEvents is the closed set of lifecycle transitions telemetry may
// ever see — deliberately excludes FileChanged and ActivityReported,
// which is where a file path or task description could leak in.
var trackedEvents = map[eventbus.Name]bool{
	eventbus.SessionReported:     true,
	eventbus.SessionClosed:       true,
	eventbus.CommitCompleted:     true,
	eventbus.ConflictDetected:    true,
	eventbus.RebaseAutoCompleted: true,
	eventbus.InstanceRecovered:   true,
}

// Subscribe attaches client to bus for the lifetime of the process,
// forwarding only the counters in trackedEvents. Returns an unsubscribe
// function.
func Subscribe(bus *eventbus.Bus, client Client) func() {
	ch, unsubscribe := bus.Subscribe()
	go func() {
		for evt := range ch {
			if trackedEvents[evt.Name] {
				client.TrackEvent(evt.Name)
			}
		}
	}()
	return unsubscribe
}
