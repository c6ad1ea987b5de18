// Package model holds the data types shared across the simulation engine's
// components: journeys, steps, service records, port allocations, flag
// state, and the event envelopes emitted to the observability sink.
package model

import "time"

// JourneySpec describes a synthetic customer journey. Immutable once
// submitted to the orchestrator.
type JourneySpec struct {
	JourneyID       string                 `json:"journeyId"`
	CompanyName     string                 `json:"companyName"`
	Domain          string                 `json:"domain"`
	IndustryType    string                 `json:"industryType"`
	Steps           []StepSpec             `json:"steps"`
	CustomerProfile map[string]interface{} `json:"customerProfile,omitempty"`
	AdditionalFields map[string]interface{} `json:"additionalFields,omitempty"`
}

// SubstepSpec is one named sub-stage of a step, used only to accumulate
// simulated processing time.
type SubstepSpec struct {
	SubstepName string `json:"substepName"`
	DurationMs  int    `json:"durationMs"`
}

// StepSpec is one named stage of a journey, backed by exactly one child
// service.
type StepSpec struct {
	StepIndex           int           `json:"stepIndex"`
	StepName            string        `json:"stepName"`
	ServiceName          string        `json:"serviceName"`
	Category            string        `json:"category,omitempty"`
	EstimatedDurationMs int           `json:"estimatedDurationMs,omitempty"`
	Substeps            []SubstepSpec `json:"substeps,omitempty"`
	HasError            bool          `json:"hasError,omitempty"`
}

// ServiceName derives the identity key used by the supervisor, port
// allocator, and orchestrator: "<stepName>Service-<sanitized company>".
func ServiceName(stepName, companyName string) string {
	return stepName + "Service-" + SanitizeCompanyName(companyName)
}

// SanitizeCompanyName strips characters that are not safe in a service
// name / process title / env var value.
func SanitizeCompanyName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			// collapse everything else, including spaces and punctuation
		}
	}
	if len(out) == 0 {
		return "Unknown"
	}
	return string(out)
}

// HealthState is a ServiceRecord's place in the supervisor's state machine.
type HealthState string

const (
	HealthAbsent    HealthState = "absent"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopping  HealthState = "stopping"
)

// ServiceRecord is the supervisor's internal record of one live child
// service.
type ServiceRecord struct {
	ServiceName    string      `json:"serviceName"`
	PID            int         `json:"pid"`
	Port           int         `json:"port"`
	StartTime      time.Time   `json:"startTime"`
	LastHealthyAt  time.Time   `json:"lastHealthyAt,omitempty"`
	CompanyContext CompanyContext `json:"companyContext"`
	JourneyType    string      `json:"journeyType,omitempty"`
	Health         HealthState `json:"health"`
}

// CompanyContext is the identity/tag bundle propagated into a child
// service's environment.
type CompanyContext struct {
	CompanyName  string `json:"companyName"`
	Domain       string `json:"domain"`
	IndustryType string `json:"industryType"`
}

// PortAllocation is one persisted port reservation.
type PortAllocation struct {
	Port         int       `json:"port"`
	ServiceName  string    `json:"serviceName"`
	AllocatedAt  time.Time `json:"allocatedAt"`
}

// FlagSet maps flag name to value. Recognized keys and their domains are
// enforced by the flag store, not by this type.
type FlagSet map[string]interface{}

// Clone returns a shallow copy of the flag set.
func (f FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a new FlagSet with override's keys taking precedence over
// the receiver's.
func (f FlagSet) Merge(override FlagSet) FlagSet {
	out := f.Clone()
	for k, v := range override {
		out[k] = v
	}
	return out
}

// FlagState is the flag store's full persisted state.
type FlagState struct {
	Global    FlagSet            `json:"global"`
	Overrides map[string]FlagSet `json:"overrides"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// JourneyStatus is the terminal or in-flight state of a journey run.
type JourneyStatus string

const (
	JourneyCompleted JourneyStatus = "completed"
	JourneyPartial   JourneyStatus = "partial"
	JourneyFailed    JourneyStatus = "failed"
	JourneyRunning   JourneyStatus = "running"
)

// StepStatus is the outcome of one step's /process call.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the outcome of one step invocation.
type StepResult struct {
	StepName         string     `json:"stepName"`
	ServiceName      string     `json:"serviceName"`
	Status           StepStatus `json:"status"`
	HTTPStatus       int        `json:"httpStatus"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
	ErrorType        string     `json:"errorType,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CorrelationID    string     `json:"correlationId"`
}

// JourneyRunResult is the aggregate outcome of one SimulateJourney call.
// Ephemeral: returned to the caller and emitted as events, never persisted
// long-term.
type JourneyRunResult struct {
	JourneyID     string        `json:"journeyId"`
	CorrelationID string        `json:"correlationId"`
	Status        JourneyStatus `json:"status"`
	Steps         []StepResult  `json:"steps"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt"`
}

// EventType distinguishes the two event kinds fanned out to the
// observability sink.
type EventType string

const (
	EventTypeChange   EventType = "CHANGE"
	EventTypeBusiness EventType = "BIZ"
)

// ChangeScope identifies whether a flag mutation was global or scoped to
// one service.
type ChangeScope string

const ScopeGlobal ChangeScope = "global"

// ServiceScope formats a per-service ChangeEvent scope string.
func ServiceScope(serviceName string) ChangeScope {
	return ChangeScope("service:" + serviceName)
}

// ChangeEvent records one successful flag mutation.
type ChangeEvent struct {
	EventType     EventType   `json:"eventType"`
	FlagName      string      `json:"flagName"`
	PreviousValue interface{} `json:"previousValue"`
	NewValue      interface{} `json:"newValue"`
	Scope         ChangeScope `json:"scope"`
	Reason        string      `json:"reason,omitempty"`
	TriggeredBy   string      `json:"triggeredBy,omitempty"`
	ProblemID     string      `json:"problemId,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// BusinessEvent records one completed (or failed) journey step.
type BusinessEvent struct {
	EventType        EventType              `json:"eventType"`
	CorrelationID    string                 `json:"correlationId"`
	JourneyID        string                 `json:"journeyId"`
	StepName         string                 `json:"stepName"`
	ServiceName      string                 `json:"serviceName"`
	CompanyName      string                 `json:"companyName"`
	Status           StepStatus             `json:"status"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	AdditionalFields map[string]interface{} `json:"additionalFields,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}
