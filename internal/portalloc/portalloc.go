// Package portalloc implements C1, the port allocator: it reserves and
// releases TCP ports from a bounded range, persists the allocation table
// across restarts, and reclaims stale reservations by probing bind
// availability.
package portalloc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/model"
)

// Config controls the allocator's port range and persistence path.
type Config struct {
	RangeStart int
	RangeEnd   int
	StatePath  string
	// TrustWindow is how long, after loading persisted state at startup,
	// allocations are trusted without a liveness probe (to permit child
	// relaunch before CleanupStale runs).
	TrustWindow time.Duration
}

// DefaultConfig returns sane defaults for the child port range.
func DefaultConfig() Config {
	return Config{
		RangeStart:  9000,
		RangeEnd:    9999,
		StatePath:   "data/port_allocations.json",
		TrustWindow: 30 * time.Second,
	}
}

// Allocator is C1's single-writer in-memory allocation table, backed by an
// atomically-replaced JSON file.
type Allocator struct {
	mu     sync.Mutex
	cfg    Config
	byPort map[int]model.PortAllocation
	byName map[string]int
	logger *logging.Logger
	loaded time.Time
}

// New constructs an Allocator and loads any persisted state from cfg.StatePath.
func New(cfg Config, logger *logging.Logger) (*Allocator, error) {
	if cfg.RangeEnd < cfg.RangeStart {
		return nil, fmt.Errorf("portalloc: invalid range [%d,%d]", cfg.RangeStart, cfg.RangeEnd)
	}
	if cfg.TrustWindow <= 0 {
		cfg.TrustWindow = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewFromEnv("portalloc")
	}

	a := &Allocator{
		cfg:    cfg,
		byPort: make(map[int]model.PortAllocation),
		byName: make(map[string]int),
		logger: logger,
		loaded: time.Now(),
	}

	if err := a.load(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Allocator) load() error {
	data, err := os.ReadFile(a.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierrors.PersistenceWriteFailed("portalloc", err)
	}

	var allocations []model.PortAllocation
	if len(data) > 0 {
		if err := json.Unmarshal(data, &allocations); err != nil {
			return apierrors.Internal("portalloc: corrupt state file", err)
		}
	}

	for _, alloc := range allocations {
		if alloc.Port < a.cfg.RangeStart || alloc.Port > a.cfg.RangeEnd {
			continue
		}
		a.byPort[alloc.Port] = alloc
		a.byName[alloc.ServiceName] = alloc.Port
	}

	a.logger.WithFields(map[string]interface{}{"count": len(a.byPort)}).Info("loaded persisted port allocations")
	return nil
}

// persist atomically replaces the state file with the current table.
// Caller must hold a.mu.
func (a *Allocator) persist() error {
	start := time.Now()
	err := a.doPersist()
	a.logger.LogPersistenceWrite(context.Background(), a.cfg.StatePath, time.Since(start), err)
	return err
}

func (a *Allocator) doPersist() error {
	allocations := make([]model.PortAllocation, 0, len(a.byPort))
	for _, alloc := range a.byPort {
		allocations = append(allocations, alloc)
	}

	data, err := json.MarshalIndent(allocations, "", "  ")
	if err != nil {
		return apierrors.Internal("portalloc: marshal state", err)
	}

	dir := filepath.Dir(a.cfg.StatePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return apierrors.PersistenceWriteFailed("portalloc", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".port_allocations-*.tmp")
	if err != nil {
		return apierrors.PersistenceWriteFailed("portalloc", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("portalloc", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("portalloc", err)
	}

	if err := os.Rename(tmpName, a.cfg.StatePath); err != nil {
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("portalloc", err)
	}

	return nil
}

// Allocate returns the previously-persisted port for serviceName if it is
// currently bindable; otherwise the lowest bindable port in the configured
// range not already allocated in-memory. Fails with ErrCodePortExhausted if
// the range is full.
func (a *Allocator) Allocate(serviceName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byName[serviceName]; ok {
		if probeBindable(port) {
			return port, nil
		}
		// Stale record for this service name; drop it and fall through to
		// pick a fresh port.
		delete(a.byPort, port)
		delete(a.byName, serviceName)
	}

	for port := a.cfg.RangeStart; port <= a.cfg.RangeEnd; port++ {
		if _, taken := a.byPort[port]; taken {
			continue
		}
		if !probeBindable(port) {
			// occupied by a foreign process; skip to next candidate
			continue
		}

		alloc := model.PortAllocation{
			Port:        port,
			ServiceName: serviceName,
			AllocatedAt: time.Now(),
		}
		a.byPort[port] = alloc
		a.byName[serviceName] = port

		if err := a.persist(); err != nil {
			delete(a.byPort, port)
			delete(a.byName, serviceName)
			return 0, err
		}

		a.logger.WithFields(map[string]interface{}{
			"service_name": serviceName,
			"port":         port,
		}).Info("allocated port")
		return port, nil
	}

	return 0, apierrors.PortExhausted(a.cfg.RangeStart, a.cfg.RangeEnd)
}

// Release removes the allocation for port, if any. Idempotent.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.byPort[port]
	if !ok {
		return nil
	}

	delete(a.byPort, port)
	delete(a.byName, alloc.ServiceName)

	if err := a.persist(); err != nil {
		// restore in-memory state so it stays consistent with the file
		a.byPort[port] = alloc
		a.byName[alloc.ServiceName] = port
		return err
	}

	a.logger.WithFields(map[string]interface{}{
		"service_name": alloc.ServiceName,
		"port":         port,
	}).Info("released port")
	return nil
}

// CleanupStale probes every in-memory allocation by attempting a transient
// bind on 127.0.0.1:port. A successful bind means the port is not actually
// in use, so the allocation is stale and is released. Returns the count
// released.
func (a *Allocator) CleanupStale() (int, error) {
	a.mu.Lock()

	if time.Since(a.loaded) < a.cfg.TrustWindow {
		a.mu.Unlock()
		return 0, nil
	}

	stale := make([]model.PortAllocation, 0)
	for port, alloc := range a.byPort {
		if probeBindable(port) {
			stale = append(stale, alloc)
		}
	}

	for _, alloc := range stale {
		delete(a.byPort, alloc.Port)
		delete(a.byName, alloc.ServiceName)
	}

	var persistErr error
	if len(stale) > 0 {
		persistErr = a.persist()
	}
	a.mu.Unlock()

	if persistErr != nil {
		return 0, persistErr
	}

	if len(stale) > 0 {
		a.logger.WithFields(map[string]interface{}{"count": len(stale)}).Info("cleaned up stale port allocations")
	}

	return len(stale), nil
}

// Snapshot returns a copy of all current allocations.
func (a *Allocator) Snapshot() []model.PortAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.PortAllocation, 0, len(a.byPort))
	for _, alloc := range a.byPort {
		out = append(out, alloc)
	}
	return out
}

// PortFor returns the currently allocated port for serviceName, if any.
func (a *Allocator) PortFor(serviceName string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byName[serviceName]
	return port, ok
}

// Free returns how many ports remain unallocated in the configured range.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.cfg.RangeEnd - a.cfg.RangeStart + 1
	return total - len(a.byPort)
}

// Allocated returns the number of ports currently allocated.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPort)
}

// probeBindable reports whether 127.0.0.1:port can be transiently bound,
// i.e. whether it is currently free. The probe closes the listener
// immediately and does not set SO_REUSEADDR, so the result reflects real
// availability at the instant of the call.
func probeBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
