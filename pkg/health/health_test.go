package health

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent(ComponentHub)

	state := tracker.GetState(ComponentHub)
	if state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if tracker.GetState("unknown") != StateUnavailable {
		t.Error("Expected unregistered component to be unavailable")
	}
}

func TestTracker_RecordError_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 2
	config.UnavailableThreshold = 4
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentHub)

	upstreamErr := errors.NewError(errors.ErrCodeUpstreamUnavailable, "hub down")

	tracker.RecordError(ComponentHub, upstreamErr)
	if state := tracker.GetState(ComponentHub); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError(ComponentHub, upstreamErr)
	if state := tracker.GetState(ComponentHub); state != StateDegraded {
		t.Errorf("Expected StateDegraded after threshold, got %s", state)
	}

	tracker.RecordError(ComponentHub, upstreamErr)
	tracker.RecordError(ComponentHub, upstreamErr)
	if state := tracker.GetState(ComponentHub); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable after threshold, got %s", state)
	}
}

func TestTracker_RecordError_Rejected(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)

	tracker.RecordError(ComponentHub, errors.NewError(errors.ErrCodeUpstreamRejected, "HTTP 403"))

	if state := tracker.GetState(ComponentHub); state != StateUnavailable {
		t.Errorf("Expected rejected request to mark hub unavailable, got %s", state)
	}
}

func TestTracker_RecoveryFromDegradation(t *testing.T) {
	config := DefaultConfig()
	config.RecoveryThreshold = 2
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentPrometheus)

	tracker.RecordError(ComponentPrometheus, fmt.Errorf("query failed"))
	if state := tracker.GetState(ComponentPrometheus); state != StateDegraded {
		t.Fatalf("Expected StateDegraded, got %s", state)
	}

	tracker.RecordSuccess(ComponentPrometheus)
	if state := tracker.GetState(ComponentPrometheus); state != StateDegraded {
		t.Errorf("Expected StateDegraded before recovery threshold, got %s", state)
	}

	tracker.RecordSuccess(ComponentPrometheus)
	health, err := tracker.GetComponentHealth(ComponentPrometheus)
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if health.State != StateHealthy {
		t.Errorf("Expected StateHealthy after recovery, got %s", health.State)
	}
	if health.ConsecutiveErrors != 0 || health.LastErrorMessage != "" {
		t.Errorf("Expected error history cleared, got %d errors, message %q",
			health.ConsecutiveErrors, health.LastErrorMessage)
	}
}

func TestTracker_Record(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)

	tracker.Record(ComponentHub, fmt.Errorf("boom"))
	if tracker.IsHealthy(ComponentHub) {
		t.Error("Expected hub unhealthy after error")
	}

	tracker.Record(ComponentHub, nil)
	if !tracker.IsHealthy(ComponentHub) {
		t.Error("Expected hub healthy after success")
	}
}

func TestTracker_GetOverallHealth(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if tracker.GetOverallHealth() != StateHealthy {
		t.Error("Expected empty tracker to be healthy")
	}

	tracker.RegisterComponent(ComponentHub)
	tracker.RegisterComponent(ComponentPrometheus)
	tracker.RecordError(ComponentPrometheus, fmt.Errorf("query failed"))

	if state := tracker.GetOverallHealth(); state != StateDegraded {
		t.Errorf("Expected overall state to follow the worst component, got %s", state)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)

	type change struct {
		component          string
		oldState, newState HealthState
	}
	changes := make(chan change, 1)
	tracker.AddStateChangeCallback(StateDegraded, func(component string, oldState, newState HealthState, err error) {
		changes <- change{component, oldState, newState}
	})

	tracker.RecordError(ComponentHub, fmt.Errorf("timeout"))

	select {
	case c := <-changes:
		if c.component != ComponentHub {
			t.Errorf("Expected component=%q, got %q", ComponentHub, c.component)
		}
		if c.oldState != StateHealthy || c.newState != StateDegraded {
			t.Errorf("Expected healthy -> degraded, got %s -> %s", c.oldState, c.newState)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback was not called")
	}
}

func TestTracker_StateChangeCallback_Recovery(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)

	recovered := make(chan HealthState, 1)
	tracker.AddStateChangeCallback(StateHealthy, func(component string, oldState, newState HealthState, err error) {
		recovered <- oldState
	})

	tracker.RecordSuccess(ComponentHub)
	tracker.RecordError(ComponentHub, fmt.Errorf("timeout"))
	tracker.RecordSuccess(ComponentHub)

	select {
	case old := <-recovered:
		if old != StateDegraded {
			t.Errorf("Expected recovery from degraded, got %s", old)
		}
	case <-time.After(time.Second):
		t.Fatal("Recovery callback was not called")
	}
	select {
	case old := <-recovered:
		t.Errorf("Unexpected extra callback from %s", old)
	default:
	}
}

func TestTracker_GetComponentHealth_IsCopy(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)
	tracker.SetComponentMetadata(ComponentHub, "url", "http://hub:8081")

	health, err := tracker.GetComponentHealth(ComponentHub)
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	health.Metadata["url"] = "changed"
	health.State = StateUnavailable

	again, _ := tracker.GetComponentHealth(ComponentHub)
	if again.Metadata["url"] != "http://hub:8081" || again.State != StateHealthy {
		t.Error("Expected GetComponentHealth to return a copy")
	}
}

func TestTracker_GetComponentHealth_NotRegistered(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("Expected error for unregistered component")
	}
}

func TestTracker_Report(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentPrometheus)
	tracker.RegisterComponent(ComponentHub)

	report := tracker.Report()
	if report.Ready {
		t.Error("Expected tracker not ready before first publication")
	}

	tracker.SetReady(true)
	tracker.RecordError(ComponentPrometheus, fmt.Errorf("query failed"))
	report = tracker.Report()

	if !report.Ready {
		t.Error("Expected tracker ready")
	}
	if len(report.Components) != 2 || report.Components[0].Name != ComponentHub {
		t.Fatalf("Expected components sorted by name, got %+v", report.Components)
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Failed to marshal report: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal report: %v", err)
	}
	if decoded["status"] != "degraded" {
		t.Errorf("Expected status=degraded, got %v", decoded["status"])
	}
}

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state HealthState
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateUnavailable, "unavailable"},
		{HealthState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("HealthState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func BenchmarkTracker_RecordSuccess(b *testing.B) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentHub)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.RecordSuccess(ComponentHub)
	}
}
