// Package orchestrator implements C5, the journey orchestrator: it drives
// one simulated customer journey end to end, invoking each step's child
// service in turn (or, in chained mode, only the first), assembling the
// run result, and emitting the resulting BusinessEvent(s) to the shared
// event fan-out.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/events"
	"github.com/bizobs-sim/engine/internal/httputil"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/resilience"
)

// Mode selects how a journey's steps are invoked.
type Mode string

const (
	// ModeOrchestrated invokes every step in sequence, the default and
	// recommended mode.
	ModeOrchestrated Mode = "orchestrated"
	// ModeChained invokes only the journey's first step. It is preserved
	// as a documented limitation: a true service-to-service chained call
	// graph is out of scope, so a chained run only ever reports its
	// first step's outcome.
	ModeChained Mode = "chained"
)

// Supervisor is the subset of C4 the orchestrator depends on.
type Supervisor interface {
	EnsureJourney(ctx context.Context, journey model.JourneySpec) ([]*model.ServiceRecord, error)
	StopCustomerJourneyServices()
	CleanupStale() (int, error)
}

// Config controls the orchestrator's HTTP client to child services.
type Config struct {
	StepTimeout time.Duration
	SettleDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 30 * time.Second,
		SettleDelay: 200 * time.Millisecond,
	}
}

// Orchestrator is C5.
type Orchestrator struct {
	cfg        Config
	supervisor Supervisor
	fanout     *events.FanOut
	logger     *logging.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client

	inFlight int64
}

// New constructs an Orchestrator.
func New(cfg Config, supervisor Supervisor, fanout *events.FanOut, logger *logging.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewFromEnv("orchestrator")
	}
	if m == nil {
		m = metrics.Global()
	}

	httpClient, _ := httputil.NewClient(httputil.ClientConfig{}, httputil.ClientDefaults{Timeout: cfg.StepTimeout})

	return &Orchestrator{
		cfg:        cfg,
		supervisor: supervisor,
		fanout:     fanout,
		logger:     logger,
		metrics:    m,
		httpClient: httpClient,
	}
}

// SimulateJourney runs one journey in the given mode. Cleanup-before-start
// always runs first: stop the customer-journey service set, let it settle,
// then reclaim any stale port allocations left behind, so every run begins
// from a clean slate with no port exhaustion or zombie services.
func (o *Orchestrator) SimulateJourney(ctx context.Context, journey model.JourneySpec, mode Mode) (*model.JourneyRunResult, error) {
	atomic.AddInt64(&o.inFlight, 1)
	defer atomic.AddInt64(&o.inFlight, -1)

	o.supervisor.StopCustomerJourneyServices()
	time.Sleep(o.cfg.SettleDelay)
	if _, err := o.supervisor.CleanupStale(); err != nil {
		o.logger.WithError(err).Warn("cleanup-before-start: stale port reclaim failed")
	}

	records, err := o.supervisor.EnsureJourney(ctx, journey)
	if err != nil && len(records) == 0 {
		return nil, err
	}

	correlationID := uuid.NewString()
	if journey.JourneyID == "" {
		journey.JourneyID = uuid.NewString()
	}

	result := &model.JourneyRunResult{
		JourneyID:     journey.JourneyID,
		CorrelationID: correlationID,
		StartedAt:     time.Now(),
		Status:        model.JourneyRunning,
	}

	steps := journey.Steps
	if mode == ModeChained && len(steps) > 1 {
		steps = steps[:1]
	}

	for i, step := range steps {
		var record *model.ServiceRecord
		if i < len(records) {
			record = records[i]
		}

		stepResult := o.runStep(ctx, record, step, journey, correlationID)
		result.Steps = append(result.Steps, stepResult)

		o.emitBusinessEvent(journey, stepResult)

		if stepResult.Status == model.StepFailed {
			break
		}
	}

	result.EndedAt = time.Now()
	result.Status = summarize(steps, result.Steps)

	o.metrics.RecordJourney(journey.IndustryType, string(result.Status), result.EndedAt.Sub(result.StartedAt))

	return result, nil
}

// InFlightCount returns the number of SimulateJourney calls currently
// executing, for the aggregate health endpoint.
func (o *Orchestrator) InFlightCount() int {
	return int(atomic.LoadInt64(&o.inFlight))
}

// SimulateMultipleCustomers runs count independent journeys for the same
// spec concurrently, each with its own correlation ID.
func (o *Orchestrator) SimulateMultipleCustomers(ctx context.Context, journey model.JourneySpec, mode Mode, count int) ([]*model.JourneyRunResult, error) {
	if count <= 0 {
		count = 1
	}

	results := make([]*model.JourneyRunResult, count)
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.SimulateJourney(ctx, journey, mode)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (o *Orchestrator) runStep(ctx context.Context, record *model.ServiceRecord, step model.StepSpec, journey model.JourneySpec, correlationID string) model.StepResult {
	serviceName := model.ServiceName(step.StepName, journey.CompanyName)

	if record == nil {
		return model.StepResult{
			StepName:      step.StepName,
			ServiceName:   serviceName,
			Status:        model.StepFailed,
			ErrorType:     "service_unavailable",
			ErrorMessage:  "no service record for step",
			CorrelationID: correlationID,
		}
	}

	reqBody, err := json.Marshal(struct {
		CorrelationID    string                 `json:"correlationId"`
		JourneyID        string                 `json:"journeyId"`
		StepName         string                 `json:"stepName"`
		Substeps         []model.SubstepSpec    `json:"substeps,omitempty"`
		CustomerProfile  map[string]interface{} `json:"customerProfile,omitempty"`
		AdditionalFields map[string]interface{} `json:"additionalFields,omitempty"`
	}{
		CorrelationID:    correlationID,
		JourneyID:        journey.JourneyID,
		StepName:         step.StepName,
		Substeps:         step.Substeps,
		CustomerProfile:  journey.CustomerProfile,
		AdditionalFields: journey.AdditionalFields,
	})
	if err != nil {
		return model.StepResult{
			StepName:      step.StepName,
			ServiceName:   serviceName,
			Status:        model.StepFailed,
			ErrorType:     "validation_failed",
			ErrorMessage:  err.Error(),
			CorrelationID: correlationID,
		}
	}

	var stepResp struct {
		Status           string `json:"status"`
		HTTPStatus       int    `json:"httpStatus"`
		ProcessingTimeMs int64  `json:"processingTimeMs"`
		ErrorType        string `json:"errorType,omitempty"`
		ErrorMessage     string `json:"errorMessage,omitempty"`
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/process", record.Port)

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-correlation-id", correlationID)

		resp, err := o.httpClient.Do(req)
		if err != nil {
			return apierrors.StepTransportError(step.StepName, err)
		}
		defer resp.Body.Close()

		if decodeErr := json.NewDecoder(resp.Body).Decode(&stepResp); decodeErr != nil {
			return apierrors.StepTransportError(step.StepName, decodeErr)
		}
		return nil
	}

	callStart := time.Now()
	if err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 1}, call); err != nil {
		o.logger.LogServiceCall(ctx, serviceName, "process", time.Since(callStart), err)
		o.metrics.RecordError(serviceName, "step_transport_error", "process")
		return model.StepResult{
			StepName:      step.StepName,
			ServiceName:   serviceName,
			Status:        model.StepFailed,
			ErrorType:     "transport_error",
			ErrorMessage:  err.Error(),
			CorrelationID: correlationID,
		}
	}

	status := model.StepCompleted
	if stepResp.Status == string(model.StepFailed) {
		status = model.StepFailed
	}

	return model.StepResult{
		StepName:         step.StepName,
		ServiceName:      serviceName,
		Status:           status,
		HTTPStatus:       stepResp.HTTPStatus,
		ProcessingTimeMs: stepResp.ProcessingTimeMs,
		ErrorType:        stepResp.ErrorType,
		ErrorMessage:     stepResp.ErrorMessage,
		CorrelationID:    correlationID,
	}
}

func (o *Orchestrator) emitBusinessEvent(journey model.JourneySpec, stepResult model.StepResult) {
	if o.fanout == nil {
		return
	}
	o.fanout.EmitBusiness(model.BusinessEvent{
		EventType:        model.EventTypeBusiness,
		CorrelationID:    stepResult.CorrelationID,
		JourneyID:        journey.JourneyID,
		StepName:         stepResult.StepName,
		ServiceName:      stepResult.ServiceName,
		CompanyName:      journey.CompanyName,
		Status:           stepResult.Status,
		ProcessingTimeMs: stepResult.ProcessingTimeMs,
		Timestamp:        time.Now(),
	})
}

// summarize determines the journey's overall status: completed if every
// planned step ran and succeeded, partial if some steps ran (a prefix)
// before a failure, failed if the first step failed.
func summarize(planned []model.StepSpec, ran []model.StepResult) model.JourneyStatus {
	if len(ran) == 0 {
		if len(planned) == 0 {
			return model.JourneyCompleted
		}
		return model.JourneyFailed
	}

	lastFailed := ran[len(ran)-1].Status == model.StepFailed
	if !lastFailed && len(ran) == len(planned) {
		return model.JourneyCompleted
	}
	if lastFailed && len(ran) == 1 {
		return model.JourneyFailed
	}
	return model.JourneyPartial
}
