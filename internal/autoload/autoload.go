// Package autoload implements C6, the auto-load generator: an opt-in
// background loop that watches C4's service inventory and periodically
// submits synthetic journeys into C5 for every active company, at a
// bounded overall concurrency.
package autoload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/orchestrator"
)

// Inventory is the subset of C4 the generator watches.
type Inventory interface {
	InventoryByCompany() map[string][]model.ServiceRecord
}

// Simulator is the subset of C5 the generator drives.
type Simulator interface {
	SimulateJourney(ctx context.Context, journey model.JourneySpec, mode orchestrator.Mode) (*model.JourneyRunResult, error)
}

// TemplateProvider resolves the journey template to replay for a company.
// Returns ok=false if no template is configured for that company, in
// which case the company is skipped.
type TemplateProvider func(companyName string) (model.JourneySpec, bool)

// Config controls watch/batch cadence and bounding.
type Config struct {
	Enabled           bool
	WatchInterval     time.Duration
	JourneyInterval   time.Duration
	BatchSize         int
	MaxConcurrent     int
	DegradedThreshold int // consecutive failed batches before a driver is marked degraded
}

// DefaultConfig returns the documented defaults: 10s watch tick, 30s
// per-company batch tick, batch size 5.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		WatchInterval:     10 * time.Second,
		JourneyInterval:   30 * time.Second,
		BatchSize:         5,
		MaxConcurrent:     20,
		DegradedThreshold: 3,
	}
}

// driverStats are the per-company counters the spec documents.
type driverStats struct {
	iterations int64
	successes  int64
	errors     int64
	degraded   int32
}

// driver is one per-company journey submission loop.
type driver struct {
	companyName string
	entryID     cron.EntryID
	consecFails int
	stats       driverStats
}

// Generator is C6.
type Generator struct {
	cfg       Config
	inventory Inventory
	sim       Simulator
	templates TemplateProvider
	logger    *logging.Logger
	metrics   *metrics.Metrics

	cron *cron.Cron

	mu       sync.Mutex
	drivers  map[string]*driver
	inFlight int64

	watchEntry cron.EntryID
	started    bool
}

// New constructs a Generator. It does nothing until Start is called, and
// Start is a no-op unless cfg.Enabled is true.
func New(cfg Config, inventory Inventory, sim Simulator, templates TemplateProvider, logger *logging.Logger, m *metrics.Metrics) *Generator {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 10 * time.Second
	}
	if cfg.JourneyInterval <= 0 {
		cfg.JourneyInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 20
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	if logger == nil {
		logger = logging.NewFromEnv("autoload")
	}
	if m == nil {
		m = metrics.Global()
	}

	return &Generator{
		cfg:       cfg,
		inventory: inventory,
		sim:       sim,
		templates: templates,
		logger:    logger,
		metrics:   m,
		cron:      cron.New(),
		drivers:   map[string]*driver{},
	}
}

// Start begins the watch loop. No-op if disabled or already started.
func (g *Generator) Start(ctx context.Context) {
	if !g.cfg.Enabled || g.started {
		return
	}
	g.started = true

	g.watch(ctx)
	entryID, err := g.cron.AddFunc(fmt.Sprintf("@every %s", g.cfg.WatchInterval), func() { g.watch(ctx) })
	if err != nil {
		g.logger.WithError(err).Warn("failed to schedule auto-load watch tick")
		return
	}
	g.watchEntry = entryID
	g.cron.Start()
}

// Stop stops the watch loop and every per-company driver cleanly.
func (g *Generator) Stop() {
	if !g.started {
		return
	}
	ctx := g.cron.Stop()
	<-ctx.Done()
	g.started = false
}

// watch queries the current inventory and ensures a driver exists for
// every active company, removing drivers for companies no longer present.
func (g *Generator) watch(ctx context.Context) {
	byCompany := g.inventory.InventoryByCompany()

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := map[string]bool{}
	for companyName := range byCompany {
		seen[companyName] = true
		if _, exists := g.drivers[companyName]; exists {
			continue
		}
		g.startDriver(ctx, companyName)
	}

	for companyName, d := range g.drivers {
		if !seen[companyName] {
			g.cron.Remove(d.entryID)
			delete(g.drivers, companyName)
		}
	}
}

func (g *Generator) startDriver(ctx context.Context, companyName string) {
	d := &driver{companyName: companyName}

	entryID, err := g.cron.AddFunc(fmt.Sprintf("@every %s", g.cfg.JourneyInterval), func() {
		g.runBatch(ctx, d)
	})
	if err != nil {
		g.logger.WithError(err).Warn("failed to schedule auto-load driver for company")
		return
	}

	d.entryID = entryID
	g.drivers[companyName] = d
}

// runBatch submits one batch of SimulateJourney calls for one company,
// dropping (not queueing) the whole batch if it would exceed the global
// in-flight bound.
func (g *Generator) runBatch(ctx context.Context, d *driver) {
	if atomic.LoadInt32(&d.stats.degraded) == 1 {
		return
	}

	template, ok := g.templates(d.companyName)
	if !ok {
		return
	}

	if !g.reserveSlots(g.cfg.BatchSize) {
		g.logger.WithFields(map[string]interface{}{"company_name": d.companyName}).Warn("auto-load batch dropped: at max concurrency")
		return
	}
	defer g.releaseSlots(g.cfg.BatchSize)

	atomic.AddInt64(&d.stats.iterations, 1)

	var wg sync.WaitGroup
	var batchErrors int64
	for i := 0; i < g.cfg.BatchSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.sim.SimulateJourney(ctx, template, orchestrator.ModeOrchestrated); err != nil {
				atomic.AddInt64(&batchErrors, 1)
				atomic.AddInt64(&d.stats.errors, 1)
			} else {
				atomic.AddInt64(&d.stats.successes, 1)
			}
		}()
	}
	wg.Wait()

	if batchErrors == int64(g.cfg.BatchSize) {
		d.consecFails++
	} else {
		d.consecFails = 0
	}

	if d.consecFails >= g.cfg.DegradedThreshold {
		atomic.StoreInt32(&d.stats.degraded, 1)
		g.logger.WithFields(map[string]interface{}{"company_name": d.companyName}).Warn("auto-load driver marked degraded after repeated failed batches")
	}

	g.metrics.AutoLoadDriversActive.Set(float64(g.activeDriverCount()))
}

func (g *Generator) reserveSlots(n int) bool {
	for {
		current := atomic.LoadInt64(&g.inFlight)
		if current+int64(n) > int64(g.cfg.MaxConcurrent) {
			return false
		}
		if atomic.CompareAndSwapInt64(&g.inFlight, current, current+int64(n)) {
			return true
		}
	}
}

func (g *Generator) releaseSlots(n int) {
	atomic.AddInt64(&g.inFlight, -int64(n))
}

func (g *Generator) activeDriverCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, d := range g.drivers {
		if atomic.LoadInt32(&d.stats.degraded) == 0 {
			count++
		}
	}
	return count
}

// DriverCount returns the number of companies currently being driven,
// degraded or not, for the aggregate health endpoint.
func (g *Generator) DriverCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.drivers)
}

// Stats returns a snapshot of one company's driver counters, for
// diagnostics and the admin status endpoint.
func (g *Generator) Stats(companyName string) (iterations, successes, errors int64, degraded bool, ok bool) {
	g.mu.Lock()
	d, exists := g.drivers[companyName]
	g.mu.Unlock()
	if !exists {
		return 0, 0, 0, false, false
	}
	return atomic.LoadInt64(&d.stats.iterations), atomic.LoadInt64(&d.stats.successes), atomic.LoadInt64(&d.stats.errors), atomic.LoadInt32(&d.stats.degraded) == 1, true
}
