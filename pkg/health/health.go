// Package health tracks the health of the exporter's upstream dependencies
package health

import (
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
)

// Component names tracked by the exporter.
const (
	ComponentHub        = "hub"
	ComponentPrometheus = "prometheus"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the last refreshes succeeded
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures; exported metrics are going stale
	StateDegraded

	// StateUnavailable indicates the upstream is unreachable or rejects the exporter
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON reports.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name                 string                 `json:"name"`
	State                HealthState            `json:"state"`
	LastStateChange      time.Time              `json:"last_state_change"`
	LastHealthCheck      time.Time              `json:"last_health_check"`
	ConsecutiveErrors    int                    `json:"consecutive_errors"`
	ConsecutiveSuccesses int                    `json:"consecutive_successes"`
	LastError            error                  `json:"-"`
	LastErrorMessage     string                 `json:"last_error_message,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

func (h *ComponentHealth) clone() *ComponentHealth {
	metadata := make(map[string]interface{}, len(h.Metadata))
	for k, v := range h.Metadata {
		metadata[k] = v
	}
	c := *h
	c.Metadata = metadata
	return &c
}

// Tracker tracks the health of multiple components and determines overall health
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	stateCallbacks map[HealthState][]StateChangeCallback

	ready atomic.Bool
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to recover from a failed state
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
		RecoveryThreshold:    1,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 1
	}
	return &Tracker{
		components:     make(map[string]*ComponentHealth),
		config:         config,
		stateCallbacks: make(map[HealthState][]StateChangeCallback),
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			Metadata:        make(map[string]interface{}),
		}
	}
}

// RecordSuccess records a successful refresh against a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveSuccesses++

	if health.State != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transitionState(health, StateHealthy)
	}
	if health.State == StateHealthy {
		health.ConsecutiveErrors = 0
	}

	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, nil)
	}
}

// RecordError records a failed refresh against a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.ConsecutiveSuccesses = 0
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		// Rejected requests will not succeed on retry
		if t.isPermanentError(err) {
			newState = StateUnavailable
		} else {
			newState = StateDegraded
		}
	}

	if newState != oldState {
		t.transitionState(health, newState)
	}

	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, err)
	}
}

// Record records the outcome of a refresh: RecordSuccess when err is nil,
// RecordError otherwise.
func (t *Tracker) Record(component string, err error) {
	if err != nil {
		t.RecordError(component, err)
		return
	}
	t.RecordSuccess(component)
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}

	// Return a copy to prevent external modification
	return health.clone(), nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = health.clone()
	}
	return result
}

// GetOverallHealth returns the overall health based on all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Overall health is determined by the worst component state
	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}

	return overallState
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// SetReady marks whether membership has been published at least once.
func (t *Tracker) SetReady(ready bool) {
	t.ready.Store(ready)
}

// Ready reports whether the exporter has published membership.
func (t *Tracker) Ready() bool {
	return t.ready.Load()
}

// Report is the JSON health document served by the API.
type Report struct {
	Status     HealthState        `json:"status"`
	Ready      bool               `json:"ready"`
	Components []*ComponentHealth `json:"components"`
}

// Report returns the current health of every component, sorted by name.
func (t *Tracker) Report() Report {
	all := t.GetAllComponents()
	components := make([]*ComponentHealth, 0, len(all))
	for _, c := range all {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return Report{
		Status:     t.GetOverallHealth(),
		Ready:      t.Ready(),
		Components: components,
	}
}

// AddStateChangeCallback registers a callback for state changes to a specific state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// SetComponentMetadata sets metadata for a component
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// transitionState transitions a component to a new state (must be called with lock held)
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

// notifyStateChange runs the callbacks registered for newState
func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	for _, callback := range t.stateCallbacks[newState] {
		go callback(component, oldState, newState, err)
	}
}

// isPermanentError checks if an error will not clear up by retrying
func (t *Tracker) isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var expErr *errors.ExporterError
	if stderr.As(err, &expErr) {
		switch expErr.Code {
		case errors.ErrCodeUpstreamRejected,
			errors.ErrCodeInvalidConfig:
			return true
		}
	}

	return false
}
