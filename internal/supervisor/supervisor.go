// Package supervisor implements C4, the service supervisor: it owns every
// child service's OS process and ServiceRecord, launching, health
// checking, and tearing them down on request from the orchestrator and
// auto-load generator.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/config"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/resilience"
)

// PortAllocator is the subset of C1 the supervisor depends on.
type PortAllocator interface {
	Allocate(serviceName string) (int, error)
	Release(port int) error
	CleanupStale() (int, error)
}

// ServiceFactory builds the *exec.Cmd used to launch one step's child
// service. The default factory launches the standard childsvc binary;
// callers may register step-specific factories for steps that need a
// different launch shape.
type ServiceFactory func(step model.StepSpec, company model.CompanyContext, port int, env []string) *exec.Cmd

// Config controls the supervisor's launch contract and reuse/backoff
// policy.
type Config struct {
	ChildBinaryPath   string
	FlagStoreURL       string
	HealthWaitAttempts int
	HealthWaitInitial  time.Duration
	HealthWaitMax      time.Duration
	ReuseWindow        time.Duration // how long a healthy record is reused without a fresh health probe
	PreservedServices  []string      // exact service names StopCustomerJourneyServices never touches
	ServiceTypes       *config.ServiceTypesConfig
}

// DefaultConfig returns the documented defaults: 5 health-wait attempts,
// 100ms to 1600ms backoff.
func DefaultConfig() Config {
	return Config{
		ChildBinaryPath:    "./childsvc",
		FlagStoreURL:       "http://127.0.0.1:8080",
		HealthWaitAttempts: 5,
		HealthWaitInitial:  100 * time.Millisecond,
		HealthWaitMax:      1600 * time.Millisecond,
		ReuseWindow:        5 * time.Second,
	}
}

// Supervisor is C4.
type Supervisor struct {
	cfg      Config
	ports    PortAllocator
	logger   *logging.Logger
	metrics  *metrics.Metrics
	client   *http.Client
	factories map[string]ServiceFactory

	mu       sync.RWMutex
	records  map[string]*model.ServiceRecord
	nameLock map[string]*sync.Mutex
}

// New constructs a Supervisor.
func New(cfg Config, ports PortAllocator, logger *logging.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.ChildBinaryPath == "" {
		cfg.ChildBinaryPath = "./childsvc"
	}
	if cfg.HealthWaitAttempts <= 0 {
		cfg.HealthWaitAttempts = 5
	}
	if cfg.HealthWaitInitial <= 0 {
		cfg.HealthWaitInitial = 100 * time.Millisecond
	}
	if cfg.HealthWaitMax <= 0 {
		cfg.HealthWaitMax = 1600 * time.Millisecond
	}
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = 5 * time.Second
	}
	if cfg.ServiceTypes == nil {
		cfg.ServiceTypes = config.LoadServiceTypesConfigOrDefault()
	}
	if logger == nil {
		logger = logging.NewFromEnv("supervisor")
	}
	if m == nil {
		m = metrics.Global()
	}

	return &Supervisor{
		cfg:       cfg,
		ports:     ports,
		logger:    logger,
		metrics:   m,
		client:    &http.Client{Timeout: 2 * time.Second},
		factories: map[string]ServiceFactory{},
		records:   map[string]*model.ServiceRecord{},
		nameLock:  map[string]*sync.Mutex{},
	}
}

// RegisterFactory installs a step-specific launch factory, overriding the
// default childsvc launch for steps named stepName.
func (s *Supervisor) RegisterFactory(stepName string, factory ServiceFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[stepName] = factory
}

func (s *Supervisor) lockFor(serviceName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.nameLock[serviceName]
	if !ok {
		l = &sync.Mutex{}
		s.nameLock[serviceName] = l
	}
	return l
}

// EnsureService returns a live, healthy ServiceRecord for step, spawning
// and health-waiting for it if one does not already exist. Calls for the
// same serviceName are serialized.
func (s *Supervisor) EnsureService(ctx context.Context, step model.StepSpec, company model.CompanyContext) (*model.ServiceRecord, error) {
	serviceName := model.ServiceName(step.StepName, company.CompanyName)

	lock := s.lockFor(serviceName)
	lock.Lock()
	defer lock.Unlock()

	if record := s.existingHealthy(serviceName); record != nil {
		return record, nil
	}

	if step.Category != "" && !s.cfg.ServiceTypes.IsEnabled(step.Category) {
		return nil, fmt.Errorf("supervisor: service category %q is disabled in the service type catalog", step.Category)
	}

	port, err := s.ports.Allocate(serviceName)
	if err != nil {
		return nil, err
	}

	env := s.childEnv(step, company, serviceName, port)
	cmd := s.factoryFor(step.StepName)(step, company, port, env)

	s.setRecord(serviceName, &model.ServiceRecord{
		ServiceName:    serviceName,
		Port:           port,
		StartTime:      time.Now(),
		CompanyContext: company,
		Health:         model.HealthStarting,
	})

	if err := cmd.Start(); err != nil {
		s.logger.LogChildProcessEvent(ctx, serviceName, "spawn", err)
		s.ports.Release(port)
		s.deleteRecord(serviceName)
		return nil, apierrors.ChildSpawnFailed(serviceName, err)
	}
	s.logger.LogChildProcessEvent(ctx, serviceName, "spawned", nil)

	s.setPID(serviceName, cmd.Process.Pid)

	go s.reap(serviceName, cmd)

	if err := s.waitHealthy(ctx, port); err != nil {
		_ = cmd.Process.Kill()
		s.ports.Release(port)
		s.deleteRecord(serviceName)
		return nil, apierrors.ChildHealthTimeout(serviceName, err)
	}

	record := s.markHealthy(serviceName)
	s.logger.WithFields(map[string]interface{}{
		"service_name": serviceName,
		"port":         port,
		"pid":          record.PID,
	}).Info("child service healthy")

	return record, nil
}

// reap waits on the child process so it does not become a zombie, and
// marks the record absent if the process exits without being stopped
// deliberately.
func (s *Supervisor) reap(serviceName string, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	record, ok := s.records[serviceName]
	alreadyStopping := ok && record.Health == model.HealthStopping
	s.mu.Unlock()

	if !ok || alreadyStopping {
		return
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	s.logger.WithError(apierrors.ChildCrashed(serviceName, exitCode)).Warn("child service exited unexpectedly")

	s.mu.Lock()
	if r, ok := s.records[serviceName]; ok {
		r.Health = model.HealthAbsent
	}
	s.mu.Unlock()
}

// EnsureJourney ensures every step's service is live, concurrently.
func (s *Supervisor) EnsureJourney(ctx context.Context, journey model.JourneySpec) ([]*model.ServiceRecord, error) {
	company := model.CompanyContext{
		CompanyName:  journey.CompanyName,
		Domain:       journey.Domain,
		IndustryType: journey.IndustryType,
	}

	type outcome struct {
		index  int
		record *model.ServiceRecord
		err    error
	}

	results := make(chan outcome, len(journey.Steps))
	for i, step := range journey.Steps {
		go func(i int, step model.StepSpec) {
			record, err := s.EnsureService(ctx, step, company)
			results <- outcome{index: i, record: record, err: err}
		}(i, step)
	}

	records := make([]*model.ServiceRecord, len(journey.Steps))
	var firstErr error
	for range journey.Steps {
		o := <-results
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
		records[o.index] = o.record
	}

	if firstErr != nil {
		return records, firstErr
	}
	return records, nil
}

// StopCustomerJourneyServices terminates every tracked service except the
// configured preserved set.
func (s *Supervisor) StopCustomerJourneyServices() {
	preserved := make(map[string]bool, len(s.cfg.PreservedServices))
	for _, name := range s.cfg.PreservedServices {
		preserved[name] = true
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		if !preserved[name] {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.stopOne(name)
		}(name)
	}
	wg.Wait()
}

func (s *Supervisor) stopOne(serviceName string) {
	s.mu.Lock()
	record, ok := s.records[serviceName]
	if ok {
		record.Health = model.HealthStopping
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if proc, err := os.FindProcess(record.PID); err == nil {
		_ = proc.Signal(os.Interrupt)
	}

	if record.Port != 0 {
		_ = s.ports.Release(record.Port)
	}

	s.deleteRecord(serviceName)
}

// StopAll stops every tracked service and additionally performs an
// OS-level sweep for child processes this supervisor may have lost track
// of (e.g. across a restart), matching by binary path, before reclaiming
// stale port allocations.
func (s *Supervisor) StopAll() error {
	s.StopCustomerJourneyServices()
	s.sweepOrphans()
	_, err := s.ports.CleanupStale()
	return err
}

// CleanupStale reclaims port allocations for services no longer live,
// delegating to C1. Exposed directly (not just via StopAll) so the
// orchestrator can run it as part of its cleanup-before-start sequence
// ahead of every new journey, not only on a full admin reset.
func (s *Supervisor) CleanupStale() (int, error) {
	return s.ports.CleanupStale()
}

// sweepOrphans kills any live process whose command line contains the
// configured child binary's name but whose PID is not tracked in s.records.
func (s *Supervisor) sweepOrphans() {
	procs, err := psprocess.Processes()
	if err != nil {
		s.logger.WithError(err).Warn("failed to list OS processes during orphan sweep")
		return
	}

	binaryName := s.cfg.ChildBinaryPath
	if idx := strings.LastIndex(binaryName, "/"); idx >= 0 {
		binaryName = binaryName[idx+1:]
	}

	s.mu.RLock()
	tracked := make(map[int32]bool, len(s.records))
	for _, r := range s.records {
		tracked[int32(r.PID)] = true
	}
	s.mu.RUnlock()

	for _, proc := range procs {
		if tracked[proc.Pid] {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err != nil || !strings.Contains(cmdline, binaryName) {
			continue
		}
		if err := proc.Kill(); err != nil {
			s.logger.WithError(err).Warn("failed to kill orphaned child process")
		}
	}
}

// Inventory returns a snapshot of every tracked ServiceRecord.
func (s *Supervisor) Inventory() []model.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ServiceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// InventoryByCompany groups the current inventory by company name.
func (s *Supervisor) InventoryByCompany() map[string][]model.ServiceRecord {
	grouped := make(map[string][]model.ServiceRecord)
	for _, r := range s.Inventory() {
		grouped[r.CompanyContext.CompanyName] = append(grouped[r.CompanyContext.CompanyName], r)
	}
	return grouped
}

// PerformHealthCheck probes every tracked service's /health endpoint in
// parallel and updates its Health state.
func (s *Supervisor) PerformHealthCheck(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.records))
	ports := make([]int, 0, len(s.records))
	for name, r := range s.records {
		names = append(names, name)
		ports = append(ports, r.Port)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(name string, port int) {
			defer wg.Done()
			healthy := s.probeHealth(ctx, port)

			s.mu.Lock()
			if r, ok := s.records[name]; ok {
				if healthy {
					r.Health = model.HealthHealthy
					r.LastHealthyAt = time.Now()
				} else if r.Health == model.HealthHealthy {
					r.Health = model.HealthUnhealthy
				}
			}
			s.mu.Unlock()
		}(names[i], ports[i])
	}
	wg.Wait()

	s.updateHealthMetrics()
}

func (s *Supervisor) updateHealthMetrics() {
	counts := map[model.HealthState]int{}
	for _, r := range s.Inventory() {
		counts[r.Health]++
	}
	for _, state := range []model.HealthState{model.HealthAbsent, model.HealthStarting, model.HealthHealthy, model.HealthUnhealthy, model.HealthStopping} {
		s.metrics.ServicesByHealth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (s *Supervisor) probeHealth(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) waitHealthy(ctx context.Context, port int) error {
	cfg := resilience.RetryConfig{
		MaxAttempts:  s.cfg.HealthWaitAttempts,
		InitialDelay: s.cfg.HealthWaitInitial,
		MaxDelay:     s.cfg.HealthWaitMax,
		Multiplier:   2.0,
	}
	return resilience.Retry(ctx, cfg, func() error {
		if s.probeHealth(ctx, port) {
			return nil
		}
		return fmt.Errorf("supervisor: health check failed for port %d", port)
	})
}

func (s *Supervisor) childEnv(step model.StepSpec, company model.CompanyContext, serviceName string, port int) []string {
	env := append(os.Environ(),
		"SERVICE_NAME="+serviceName,
		fmt.Sprintf("PORT=%d", port),
		"COMPANY_NAME="+company.CompanyName,
		"DOMAIN="+company.Domain,
		"INDUSTRY_TYPE="+company.IndustryType,
	)
	if s.cfg.FlagStoreURL != "" {
		env = append(env, "FLAG_STORE_URL="+s.cfg.FlagStoreURL)
	}
	return env
}

func (s *Supervisor) factoryFor(stepName string) ServiceFactory {
	s.mu.RLock()
	factory, ok := s.factories[stepName]
	s.mu.RUnlock()
	if ok {
		return factory
	}
	return s.defaultFactory
}

func (s *Supervisor) defaultFactory(step model.StepSpec, company model.CompanyContext, port int, env []string) *exec.Cmd {
	cmd := exec.Command(s.cfg.ChildBinaryPath)
	cmd.Env = env
	return cmd
}

func (s *Supervisor) existingHealthy(serviceName string) *model.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[serviceName]
	if !ok {
		return nil
	}
	if record.Health != model.HealthHealthy {
		return nil
	}
	if time.Since(record.LastHealthyAt) > s.cfg.ReuseWindow {
		return nil
	}
	copy := *record
	return &copy
}

func (s *Supervisor) setRecord(serviceName string, record *model.ServiceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[serviceName] = record
}

func (s *Supervisor) setPID(serviceName string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[serviceName]; ok {
		r.PID = pid
	}
}

func (s *Supervisor) markHealthy(serviceName string) *model.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[serviceName]
	if !ok {
		return nil
	}
	r.Health = model.HealthHealthy
	r.LastHealthyAt = time.Now()
	copy := *r
	return &copy
}

func (s *Supervisor) deleteRecord(serviceName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, serviceName)
}
