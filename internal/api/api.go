// Package api implements C8, the public API: the JSON/HTTP surface that
// fronts the simulation engine — journey simulation, feature flag
// CRUD and bulk remediation, admin inventory/restart, port
// introspection, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/config"
	"github.com/bizobs-sim/engine/internal/events"
	"github.com/bizobs-sim/engine/internal/flagstore"
	"github.com/bizobs-sim/engine/internal/httputil"
	"github.com/bizobs-sim/engine/internal/journeystore"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/middleware"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/orchestrator"
)

// Orchestrator is the subset of C5 the API drives.
type Orchestrator interface {
	SimulateJourney(ctx context.Context, journey model.JourneySpec, mode orchestrator.Mode) (*model.JourneyRunResult, error)
	SimulateMultipleCustomers(ctx context.Context, journey model.JourneySpec, mode orchestrator.Mode, count int) ([]*model.JourneyRunResult, error)
	InFlightCount() int
}

// Supervisor is the subset of C4 the API surfaces for admin inventory.
type Supervisor interface {
	Inventory() []model.ServiceRecord
	InventoryByCompany() map[string][]model.ServiceRecord
	PerformHealthCheck(ctx context.Context)
	StopAll() error
	EnsureJourney(ctx context.Context, journey model.JourneySpec) ([]*model.ServiceRecord, error)
}

// Ports is the subset of C1 the API surfaces for introspection.
type Ports interface {
	Snapshot() []model.PortAllocation
	Free() int
	Allocated() int
	CleanupStale() (int, error)
}

// AutoLoad is the subset of C6 surfaced in the detailed health endpoint.
type AutoLoad interface {
	Stats(companyName string) (iterations, successes, errors int64, degraded bool, ok bool)
	DriverCount() int
}

// FanOut is the subset of C7 surfaced in the detailed health endpoint.
type FanOut interface {
	QueueDepth() int
	DroppedOnOverflow() int
}

// Server wires every component behind the public HTTP surface.
type Server struct {
	orch      Orchestrator
	sup       Supervisor
	ports     Ports
	flags     *flagstore.Store
	journeys  *journeystore.Store
	autoload  AutoLoad
	fanout    FanOut
	logger    *logging.Logger
	metrics   *metrics.Metrics
	startedAt time.Time
}

// New constructs a Server. autoload and fanout may be nil (their
// diagnostics are simply omitted from /api/health/detailed).
func New(orch Orchestrator, sup Supervisor, ports Ports, flags *flagstore.Store, journeys *journeystore.Store, al AutoLoad, fo FanOut, logger *logging.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NewFromEnv("api")
	}
	if m == nil {
		m = metrics.Global()
	}

	return &Server{
		orch:      orch,
		sup:       sup,
		ports:     ports,
		flags:     flags,
		journeys:  journeys,
		autoload:  al,
		fanout:    fo,
		logger:    logger,
		metrics:   m,
		startedAt: time.Now(),
	}
}

// Router builds the full gorilla/mux route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/health/detailed", s.handleHealthDetailed).Methods(http.MethodGet)

	r.HandleFunc("/api/journey/simulate", s.handleSimulateJourney).Methods(http.MethodPost)
	r.HandleFunc("/api/journey/simulate-multiple", s.handleSimulateMultiple).Methods(http.MethodPost)

	r.HandleFunc("/api/journey/configs", s.handleSaveJourneyConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/journey/configs", s.handleListJourneyConfigs).Methods(http.MethodGet)
	r.HandleFunc("/api/journey/configs/{id}", s.handleGetJourneyConfig).Methods(http.MethodGet)

	r.HandleFunc("/internal/flags", s.handleInternalFlags).Methods(http.MethodGet)

	r.HandleFunc("/api/feature_flag", s.handleListFlags).Methods(http.MethodGet)
	r.HandleFunc("/api/feature_flag/service/{name}", s.handleClearServiceOverride).Methods(http.MethodDelete)
	r.HandleFunc("/api/feature_flag/{name}", s.handleGetFlag).Methods(http.MethodGet)
	r.HandleFunc("/api/feature_flag/{name}", s.handleSetFlag).Methods(http.MethodPut)
	r.HandleFunc("/api/feature_flag/{name}", s.handleResetFlag).Methods(http.MethodDelete)

	r.HandleFunc("/api/remediation/feature-flag", s.handleRemediateFlag).Methods(http.MethodPost)
	r.HandleFunc("/api/remediation/feature-flags/bulk", s.handleRemediateFlagsBulk).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/services", s.handleAdminServices).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/services/status", s.handleAdminServicesStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/reset-and-restart", s.handleResetAndRestart).Methods(http.MethodPost)

	r.HandleFunc("/api/ports", s.handlePorts).Methods(http.MethodGet)
	r.HandleFunc("/api/ports/cleanup", s.handlePortsCleanup).Methods(http.MethodPost)

	r.HandleFunc("/api/service-types", s.handleServiceTypes).Methods(http.MethodGet)

	return r
}

// handleServiceTypes exposes the catalog of simulated service categories
// (enabled/disabled, base port hints) that the supervisor checks journey
// step categories against, for the out-of-scope UI's step picker. The
// auto-load generator does not consult it.
func (s *Server) handleServiceTypes(w http.ResponseWriter, r *http.Request) {
	catalog := config.LoadServiceTypesConfigOrDefault()
	httputil.WriteJSON(w, http.StatusOK, catalog)
}

// handleInternalFlags is the loopback endpoint every child service polls
// (with its own short cache in front) to pick up its effective flag set.
// Unlike /api/feature_flag it is not meant for the out-of-scope UI: it
// returns the bare FlagSet, not an envelope.
func (s *Server) handleInternalFlags(w http.ResponseWriter, r *http.Request) {
	service := httputil.QueryString(r, "service", "")
	httputil.WriteJSON(w, http.StatusOK, s.flags.GetEffective(service))
}

// correlationMiddleware generates or echoes x-correlation-id on every
// request, per the documented wire protocol.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("x-correlation-id")
		if correlationID == "" {
			correlationID = logging.NewTraceID()
		}
		w.Header().Set("x-correlation-id", correlationID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	detail := map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
	}

	if s.ports != nil {
		detail["ports"] = map[string]interface{}{
			"allocated": s.ports.Allocated(),
			"free":      s.ports.Free(),
		}
	}

	if s.flags != nil {
		detail["flagOverrideCount"] = len(s.flags.GetOverrides())
	}

	if s.sup != nil {
		counts := map[model.HealthState]int{}
		for _, r := range s.sup.Inventory() {
			counts[r.Health]++
		}
		detail["servicesByHealth"] = counts
	}

	if s.fanout != nil {
		detail["eventQueue"] = map[string]interface{}{
			"depth":           s.fanout.QueueDepth(),
			"droppedOverflow": s.fanout.DroppedOnOverflow(),
		}
	}

	if s.orch != nil {
		detail["journeysInFlight"] = s.orch.InFlightCount()
	}

	if s.autoload != nil {
		detail["autoloadDrivers"] = s.autoload.DriverCount()
	}

	detail["runtime"] = middleware.RuntimeStats()

	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSimulateJourney(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.JourneySpec
		Chained bool `json:"chained"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	mode := orchestrator.ModeOrchestrated
	if req.Chained {
		mode = orchestrator.ModeChained
	}

	result, err := s.orch.SimulateJourney(r.Context(), req.JourneySpec, mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleSimulateMultiple(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.JourneySpec
		Chained bool `json:"chained"`
		Count   int  `json:"count"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	mode := orchestrator.ModeOrchestrated
	if req.Chained {
		mode = orchestrator.ModeChained
	}

	results, err := s.orch.SimulateMultipleCustomers(r.Context(), req.JourneySpec, mode, req.Count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleSaveJourneyConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string           `json:"name"`
		CompanyName  string           `json:"companyName"`
		Domain       string           `json:"domain"`
		IndustryType string           `json:"industryType"`
		Steps        []model.StepSpec `json:"steps"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	cfg, err := s.journeys.Save(req.Name, req.CompanyName, req.Domain, req.IndustryType, req.Steps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.RespondCreated(w, cfg)
}

func (s *Server) handleListJourneyConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.journeys.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})
}

func (s *Server) handleGetJourneyConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !middleware.IsValidUUID(id) {
		s.writeError(w, r, apierrors.NotFound("journey config", id))
		return
	}
	cfg, err := s.journeys.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	service := httputil.QueryString(r, "service", "")

	if service != "" {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"service": service,
			"flags":   s.flags.GetEffective(service),
		})
		return
	}

	resp := map[string]interface{}{
		"global":    s.flags.GetGlobal(),
		"overrides": s.flags.GetOverrides(),
	}

	companyName := httputil.QueryString(r, "companyName", "")
	journeyType := httputil.QueryString(r, "journeyType", "")
	if companyName != "" || journeyType != "" {
		resp["currentlyRunning"] = s.currentlyRunning(companyName, journeyType)
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// currentlyRunning filters C4's inventory by companyName and/or
// journeyType, for the companyName/journeyType query params on
// GET /api/feature_flag — these scope the currently_running inventory
// view, never the flag overrides themselves.
func (s *Server) currentlyRunning(companyName, journeyType string) []model.ServiceRecord {
	if s.sup == nil {
		return nil
	}

	records := s.sup.Inventory()
	if companyName != "" {
		records = s.sup.InventoryByCompany()[companyName]
	}

	if journeyType == "" {
		return records
	}

	filtered := make([]model.ServiceRecord, 0, len(records))
	for _, rec := range records {
		if rec.JourneyType == journeyType {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	service := httputil.QueryString(r, "service", "")

	effective := s.flags.GetGlobal()
	if service != "" {
		effective = s.flags.GetEffective(service)
	}

	value, ok := effective[name]
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("flag %q not set", name))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"name": name, "value": value})
}

type setFlagRequest struct {
	Value         interface{} `json:"value"`
	TargetService string      `json:"targetService,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	TriggeredBy   string      `json:"triggeredBy,omitempty"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req setFlagRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if req.TargetService != "" {
		events, err := s.flags.SetServiceOverride(req.TargetService, model.FlagSet{name: req.Value}, req.Reason, req.TriggeredBy)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"changeEvents": events})
		return
	}

	evt, err := s.flags.SetGlobal(name, req.Value, req.Reason, req.TriggeredBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, evt)
}

func (s *Server) handleResetFlag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	targetService := httputil.QueryString(r, "targetService", "")

	if targetService != "" {
		if err := s.flags.ClearServiceOverride(targetService); err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": targetService})
		return
	}

	evt, err := s.flags.ResetGlobal(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, evt)
}

func (s *Server) handleClearServiceOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.flags.ClearServiceOverride(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": name})
}

// handleRemediateFlag has the same semantics as PUT /api/feature_flag/:name,
// additionally tagging triggeredBy=workflow so the resulting ChangeEvent is
// attributable to an automated remediation rather than a human operator.
func (s *Server) handleRemediateFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		setFlagRequest
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	req.TriggeredBy = "workflow"

	if req.TargetService != "" {
		events, err := s.flags.SetServiceOverride(req.TargetService, model.FlagSet{req.Name: req.Value}, req.Reason, req.TriggeredBy)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"changeEvents": events})
		return
	}

	evt, err := s.flags.SetGlobal(req.Name, req.Value, req.Reason, req.TriggeredBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, evt)
}

func (s *Server) handleRemediateFlagsBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flags []struct {
			Name string `json:"name"`
			setFlagRequest
		} `json:"flags"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	var allEvents []model.ChangeEvent
	for _, item := range req.Flags {
		if item.TargetService != "" {
			evts, err := s.flags.SetServiceOverride(item.TargetService, model.FlagSet{item.Name: item.Value}, item.Reason, "workflow")
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			allEvents = append(allEvents, evts...)
			continue
		}

		evt, err := s.flags.SetGlobal(item.Name, item.Value, item.Reason, "workflow")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		allEvents = append(allEvents, evt)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"changeEvents": allEvents})
}

func (s *Server) handleAdminServices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"services": s.sup.Inventory()})
}

func (s *Server) handleAdminServicesStatus(w http.ResponseWriter, r *http.Request) {
	s.sup.PerformHealthCheck(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"services": s.sup.Inventory()})
}

func (s *Server) handleResetAndRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StopAll(); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "reset"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"allocations": s.ports.Snapshot(),
		"allocated":   s.ports.Allocated(),
		"free":        s.ports.Free(),
	})
}

func (s *Server) handlePortsCleanup(w http.ResponseWriter, r *http.Request) {
	released, err := s.ports.CleanupStale()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"released": released})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierrors.GetHTTPStatus(err)
	code := "INTERNAL"
	message := err.Error()

	if svcErr := apierrors.GetServiceError(err); svcErr != nil {
		code = string(svcErr.Code)
		message = svcErr.Message
	}

	s.logger.WithError(err).Warn("request failed")
	httputil.WriteErrorResponse(w, r, status, code, message, nil)
}
