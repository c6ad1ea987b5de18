// Package childservice implements C3, the child service runtime: the HTTP
// server run by every simulated business-process step. It exposes /health
// and /process, fetches its effective feature flags from the flag store
// with a short cache, and injects chaos (errors, latency) according to
// those flags.
package childservice

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/bizobs-sim/engine/internal/cache"
	"github.com/bizobs-sim/engine/internal/httputil"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/ratelimit"
	"github.com/bizobs-sim/engine/internal/resilience"
)

// errorKind is one of the four chaos-injected error responses documented
// for C3.
type errorKind struct {
	errorType  string
	httpStatus int
}

var errorKinds = []errorKind{
	{"timeout", http.StatusRequestTimeout},
	{"service_unavailable", http.StatusServiceUnavailable},
	{"internal_error", http.StatusInternalServerError},
	{"validation_failed", http.StatusBadRequest},
}

// Identity is the env-derived identity bundle a child service is launched
// with.
type Identity struct {
	ServiceName  string
	CompanyName  string
	Domain       string
	IndustryType string
	JourneyType  string
}

// IdentityFromEnv reads the launch contract's env vars.
func IdentityFromEnv() Identity {
	return Identity{
		ServiceName:  os.Getenv("SERVICE_NAME"),
		CompanyName:  os.Getenv("COMPANY_NAME"),
		Domain:       os.Getenv("DOMAIN"),
		IndustryType: os.Getenv("INDUSTRY_TYPE"),
		JourneyType:  os.Getenv("JOURNEY_TYPE"),
	}
}

// Config controls a Service's flag-store client and cache behavior.
type Config struct {
	FlagStoreURL string
	FlagCacheTTL time.Duration
}

// DefaultConfig returns the documented default: a 900ms flag cache, well
// under the 1s ceiling.
func DefaultConfig() Config {
	return Config{
		FlagStoreURL: "http://127.0.0.1:8080",
		FlagCacheTTL: 900 * time.Millisecond,
	}
}

// ProcessRequest is the /process request body.
type ProcessRequest struct {
	CorrelationID   string                 `json:"correlationId"`
	JourneyID       string                 `json:"journeyId"`
	StepName        string                 `json:"stepName"`
	Substeps        []model.SubstepSpec    `json:"substeps,omitempty"`
	CustomerProfile map[string]interface{} `json:"customerProfile,omitempty"`
	AdditionalFields map[string]interface{} `json:"additionalFields,omitempty"`
}

// ProcessResponse is the /process response body.
type ProcessResponse struct {
	Status           string                 `json:"status"`
	HTTPStatus       int                    `json:"httpStatus"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	CorrelationID    string                 `json:"correlationId"`
	StepName         string                 `json:"stepName"`
	ServiceName      string                 `json:"serviceName"`
	AdditionalFields map[string]interface{} `json:"additionalFields,omitempty"`
	ErrorType        string                 `json:"errorType,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
}

// Service is one running child service instance.
type Service struct {
	identity  Identity
	cfg       Config
	startedAt time.Time
	pid       int

	logger  *logging.Logger
	metrics *metrics.Metrics

	httpClient *http.Client
	flagCache  *cache.TTLCache
	breaker    *resilience.CircuitBreaker
	fuse       *ratelimit.Fuse

	rng *rand.Rand
}

// New constructs a Service for the given identity.
func New(identity Identity, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Service {
	if cfg.FlagStoreURL == "" {
		cfg.FlagStoreURL = "http://127.0.0.1:8080"
	}
	if cfg.FlagCacheTTL <= 0 {
		cfg.FlagCacheTTL = 900 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewFromEnv(identity.ServiceName)
	}
	if m == nil {
		m = metrics.Global()
	}

	httpClient, _ := httputil.NewClient(httputil.ClientConfig{}, httputil.ClientDefaults{Timeout: 2 * time.Second})

	return &Service{
		identity:   identity,
		cfg:        cfg,
		startedAt:  time.Now(),
		pid:        os.Getpid(),
		logger:     logger,
		metrics:    m,
		httpClient: httpClient,
		flagCache:  cache.NewTTLCache(cfg.FlagCacheTTL),
		breaker:    resilience.New(resilience.DefaultConfig()),
		fuse:       ratelimit.NewFuse(0),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Router builds the gorilla/mux router exposing /health and /process.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	return r
}

// handleHealth MUST succeed regardless of injected chaos flags.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"serviceName": s.identity.ServiceName,
		"pid":         s.pid,
		"uptimeSec":   int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, req, start, "validation_failed", http.StatusBadRequest, "malformed request body")
		return
	}

	flags := s.fetchFlags(r.Context())

	if truthy(flags["error_injection_enabled"]) {
		perTxn := floatFlag(flags["errors_per_transaction"])
		if perTxn > 0 && s.rng.Float64() < perTxn {
			s.injectError(w, req, start, flags)
			return
		}

		perMinute := floatFlag(flags["errors_per_minute"])
		s.fuse.Reconfigure(perMinute)
		if perMinute > 0 && s.fuse.Allow() {
			s.injectError(w, req, start, flags)
			return
		}
	}

	if truthy(flags["slow_responses_enabled"]) {
		delay := time.Duration(500+s.rng.Intn(2500)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	elapsed := s.runSubsteps(r.Context(), req.Substeps)
	processingTimeMs := time.Since(start).Milliseconds() + elapsed.Milliseconds()

	s.metrics.RecordHTTPRequest(s.identity.ServiceName, http.MethodPost, "/process", "200", time.Since(start))

	writeJSON(w, http.StatusOK, ProcessResponse{
		Status:           string(model.StepCompleted),
		HTTPStatus:       http.StatusOK,
		ProcessingTimeMs: processingTimeMs,
		CorrelationID:    req.CorrelationID,
		StepName:         req.StepName,
		ServiceName:      s.identity.ServiceName,
		AdditionalFields: req.AdditionalFields,
	})
}

// runSubsteps sleeps for the sum of each substep's duration, jittered
// 0.8-1.2x, and returns the total elapsed simulated time.
func (s *Service) runSubsteps(ctx context.Context, substeps []model.SubstepSpec) time.Duration {
	var total time.Duration
	for _, step := range substeps {
		jitter := 0.8 + s.rng.Float64()*0.4
		d := time.Duration(float64(step.DurationMs) * jitter * float64(time.Millisecond))
		total += d
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return total
		}
	}
	return total
}

func (s *Service) injectError(w http.ResponseWriter, req ProcessRequest, start time.Time, flags model.FlagSet) {
	kind := errorKinds[s.rng.Intn(len(errorKinds))]
	s.writeError(w, req, start, kind.errorType, kind.httpStatus, fmt.Sprintf("injected %s fault", kind.errorType))
}

func (s *Service) writeError(w http.ResponseWriter, req ProcessRequest, start time.Time, errorType string, httpStatus int, message string) {
	s.metrics.RecordError(s.identity.ServiceName, errorType, "process")
	s.metrics.RecordHTTPRequest(s.identity.ServiceName, http.MethodPost, "/process", fmt.Sprintf("%d", httpStatus), time.Since(start))

	writeJSON(w, httpStatus, ProcessResponse{
		Status:           string(model.StepFailed),
		HTTPStatus:       httpStatus,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CorrelationID:    req.CorrelationID,
		StepName:         req.StepName,
		ServiceName:      s.identity.ServiceName,
		ErrorType:        errorType,
		ErrorMessage:     message,
	})
}

// fetchFlags returns the effective flags for this service, consulting the
// cache first. On flag-store failure an empty FlagSet is returned (expired
// cache entries are not reused), so chaos injection fails open to "off".
func (s *Service) fetchFlags(ctx context.Context) model.FlagSet {
	if cached, ok := s.flagCache.Get(ctx, s.identity.ServiceName); ok {
		return cached.(model.FlagSet)
	}

	flags, err := s.doFetchFlags(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("flag fetch failed, falling open with no chaos")
		return model.FlagSet{}
	}

	s.flagCache.Set(ctx, s.identity.ServiceName, flags)
	return flags
}

func (s *Service) doFetchFlags(ctx context.Context) (model.FlagSet, error) {
	var flags model.FlagSet

	fetch := func() error {
		url := fmt.Sprintf("%s/internal/flags?service=%s", s.cfg.FlagStoreURL, s.identity.ServiceName)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("childservice: flag store returned status %d", resp.StatusCode)
		}

		return json.NewDecoder(resp.Body).Decode(&flags)
	}

	err := s.breaker.Execute(ctx, fetch)
	return flags, err
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func floatFlag(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
