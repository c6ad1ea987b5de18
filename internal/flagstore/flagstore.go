// Package flagstore implements C2, the flag store: the global and
// per-service feature flag state that drives chaos injection in the
// child service runtime. All mutations are validated and persisted
// atomically. SetGlobal, SetServiceOverride and ResetGlobal emit
// ChangeEvents to the event fan-out; ClearServiceOverride and ResetAll
// emit none.
package flagstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/model"
)

// recognized enumerates the flag keys the store accepts, along with their
// kind for validation purposes.
type kind int

const (
	kindRate    kind = iota // float64 in [0,1]
	kindNonNeg              // float64 >= 0
	kindBool                // bool
	kindPosInt              // int >= 1
)

var recognized = map[string]kind{
	"errors_per_transaction":          kindRate,
	"errors_per_visit":                kindRate,
	"errors_per_minute":               kindNonNeg,
	"slow_responses_enabled":          kindBool,
	"circuit_breaker_enabled":         kindBool,
	"cache_enabled":                   kindBool,
	"error_injection_enabled":         kindBool,
	"regenerate_every_n_transactions": kindPosInt,
}

// DefaultFlagSet returns the documented default value for every recognized
// flag: all chaos injection off, caching and the circuit breaker on. The
// global set is always populated from this table — on first load and on
// every reset — so GetEffective/GetGlobal never need a separate
// "flag absent" case for a recognized key.
func DefaultFlagSet() model.FlagSet {
	return model.FlagSet{
		"errors_per_transaction":          0.0,
		"errors_per_visit":                0.0,
		"errors_per_minute":               0.0,
		"slow_responses_enabled":          false,
		"circuit_breaker_enabled":         true,
		"cache_enabled":                   true,
		"error_injection_enabled":         false,
		"regenerate_every_n_transactions": 1,
	}
}

// Notifier receives ChangeEvents as mutations are committed.
type Notifier interface {
	EmitChange(evt model.ChangeEvent)
}

// Config controls the flag store's persistence path.
type Config struct {
	StatePath string
}

// DefaultConfig returns the documented default state file location.
func DefaultConfig() Config {
	return Config{StatePath: "data/flag_state.json"}
}

// Store is C2's single-writer flag table, exposed for lock-free reads via
// an atomically-swapped snapshot pointer.
type Store struct {
	cfg      Config
	logger   *logging.Logger
	notifier Notifier

	mu    sync.Mutex // serializes mutations and persistence
	state atomic.Pointer[model.FlagState]
}

// New constructs a Store, loading persisted state if present.
func New(cfg Config, notifier Notifier, logger *logging.Logger) (*Store, error) {
	if cfg.StatePath == "" {
		cfg.StatePath = "data/flag_state.json"
	}
	if logger == nil {
		logger = logging.NewFromEnv("flagstore")
	}

	s := &Store{cfg: cfg, logger: logger, notifier: notifier}

	loaded, err := s.load()
	if err != nil {
		return nil, err
	}
	s.state.Store(loaded)

	return s, nil
}

func (s *Store) load() (*model.FlagState, error) {
	data, err := os.ReadFile(s.cfg.StatePath)
	if os.IsNotExist(err) {
		return &model.FlagState{
			Global:    DefaultFlagSet(),
			Overrides: map[string]model.FlagSet{},
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, apierrors.PersistenceWriteFailed("flagstore", err)
	}

	var state model.FlagState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apierrors.Internal("flagstore: corrupt state file", err)
	}
	if state.Overrides == nil {
		state.Overrides = map[string]model.FlagSet{}
	}

	// Backfill any recognized flag a state file written before this table
	// grew (or before defaults existed at all) doesn't have.
	defaults := DefaultFlagSet()
	if state.Global == nil {
		state.Global = model.FlagSet{}
	}
	for key, value := range defaults {
		if _, ok := state.Global[key]; !ok {
			state.Global[key] = value
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"global_count": len(state.Global),
		"override_count": len(state.Overrides),
	}).Info("loaded persisted flag state")

	return &state, nil
}

// persist atomically replaces the state file. Caller must hold s.mu.
func (s *Store) persist(state *model.FlagState) error {
	start := time.Now()
	err := s.doPersist(state)
	s.logger.LogPersistenceWrite(context.Background(), s.cfg.StatePath, time.Since(start), err)
	return err
}

func (s *Store) doPersist(state *model.FlagState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apierrors.Internal("flagstore: marshal state", err)
	}

	dir := filepath.Dir(s.cfg.StatePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return apierrors.PersistenceWriteFailed("flagstore", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".flag_state-*.tmp")
	if err != nil {
		return apierrors.PersistenceWriteFailed("flagstore", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("flagstore", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("flagstore", err)
	}
	if err := os.Rename(tmpName, s.cfg.StatePath); err != nil {
		os.Remove(tmpName)
		return apierrors.PersistenceWriteFailed("flagstore", err)
	}

	return nil
}

// validate checks a single flag key/value pair, clamping rates and
// rejecting unknown keys or type mismatches. Returns the (possibly
// clamped) value to store.
func validate(key string, value interface{}) (interface{}, error) {
	k, ok := recognized[key]
	if !ok {
		return nil, apierrors.FlagValidation(key, "unrecognized flag")
	}

	switch k {
	case kindRate:
		f, ok := asFloat(value)
		if !ok {
			return nil, apierrors.FlagValidation(key, "expected a number in [0,1]")
		}
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		return f, nil

	case kindNonNeg:
		f, ok := asFloat(value)
		if !ok {
			return nil, apierrors.FlagValidation(key, "expected a non-negative number")
		}
		if f < 0 {
			f = 0
		}
		return f, nil

	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, apierrors.FlagValidation(key, "expected a boolean")
		}
		return b, nil

	case kindPosInt:
		f, ok := asFloat(value)
		if !ok || f != float64(int(f)) || int(f) < 1 {
			return nil, apierrors.FlagValidation(key, "expected a positive integer")
		}
		return int(f), nil
	}

	return nil, apierrors.FlagValidation(key, "unhandled flag kind")
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetEffective returns the effective flag set for serviceName: global
// flags with that service's overrides layered on top. An empty
// serviceName returns the global set alone.
func (s *Store) GetEffective(serviceName string) model.FlagSet {
	state := s.state.Load()
	if serviceName == "" {
		return state.Global.Clone()
	}
	override, ok := state.Overrides[serviceName]
	if !ok {
		return state.Global.Clone()
	}
	return state.Global.Merge(override)
}

// GetGlobal returns a copy of the global flag set.
func (s *Store) GetGlobal() model.FlagSet {
	return s.state.Load().Global.Clone()
}

// GetOverrides returns a copy of all per-service overrides.
func (s *Store) GetOverrides() map[string]model.FlagSet {
	state := s.state.Load()
	out := make(map[string]model.FlagSet, len(state.Overrides))
	for svc, fs := range state.Overrides {
		out[svc] = fs.Clone()
	}
	return out
}

// SetGlobal validates and sets one global flag, persisting before
// returning, and returns the resulting ChangeEvent.
func (s *Store) SetGlobal(key string, value interface{}, reason, triggeredBy string) (model.ChangeEvent, error) {
	clamped, err := validate(key, value)
	if err != nil {
		return model.ChangeEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.state.Load()
	next := cloneState(current)

	previous, existed := current.Global[key]
	next.Global[key] = clamped
	next.UpdatedAt = time.Now()

	if err := s.persist(next); err != nil {
		return model.ChangeEvent{}, err
	}
	s.state.Store(next)

	evt := model.ChangeEvent{
		EventType:   model.EventTypeChange,
		FlagName:    key,
		NewValue:    clamped,
		Scope:       model.ScopeGlobal,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   next.UpdatedAt,
	}
	if existed {
		evt.PreviousValue = previous
	}

	s.notify(evt)
	s.logger.WithFields(map[string]interface{}{"flag": key, "value": clamped}).Info("set global flag")
	return evt, nil
}

// SetServiceOverride validates and applies a partial flag set override
// for one service, returning one ChangeEvent per flag set.
func (s *Store) SetServiceOverride(serviceName string, partial model.FlagSet, reason, triggeredBy string) ([]model.ChangeEvent, error) {
	if serviceName == "" {
		return nil, apierrors.FlagValidation("service", "serviceName is required")
	}

	clampedSet := make(model.FlagSet, len(partial))
	for key, value := range partial {
		clamped, err := validate(key, value)
		if err != nil {
			return nil, err
		}
		clampedSet[key] = clamped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.state.Load()
	next := cloneState(current)

	existing, hadOverride := current.Overrides[serviceName]
	if !hadOverride {
		existing = model.FlagSet{}
	}

	events := make([]model.ChangeEvent, 0, len(clampedSet))
	merged := existing.Clone()
	now := time.Now()

	for key, value := range clampedSet {
		previous, existed := existing[key]
		merged[key] = value

		evt := model.ChangeEvent{
			EventType:   model.EventTypeChange,
			FlagName:    key,
			NewValue:    value,
			Scope:       model.ServiceScope(serviceName),
			Reason:      reason,
			TriggeredBy: triggeredBy,
			Timestamp:   now,
		}
		if existed {
			evt.PreviousValue = previous
		}
		events = append(events, evt)
	}

	next.Overrides[serviceName] = merged
	next.UpdatedAt = now

	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.state.Store(next)

	for _, evt := range events {
		s.notify(evt)
	}

	s.logger.WithFields(map[string]interface{}{
		"service_name": serviceName,
		"count":        len(events),
	}).Info("set service flag override")

	return events, nil
}

// ClearServiceOverride removes all overrides for a service.
func (s *Store) ClearServiceOverride(serviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.state.Load()
	if _, ok := current.Overrides[serviceName]; !ok {
		return nil
	}

	next := cloneState(current)
	delete(next.Overrides, serviceName)
	next.UpdatedAt = time.Now()

	if err := s.persist(next); err != nil {
		return err
	}
	s.state.Store(next)

	s.logger.WithFields(map[string]interface{}{"service_name": serviceName}).Info("cleared service flag override")
	return nil
}

// ResetGlobal restores one global flag to its documented default value.
// Resetting an unrecognized flag name is an error; resetting a recognized
// flag that already holds its default is a no-op ChangeEvent, since the
// global set always holds every recognized key.
func (s *Store) ResetGlobal(key string) (model.ChangeEvent, error) {
	defaultValue, recognizedKey := DefaultFlagSet()[key]
	if !recognizedKey {
		return model.ChangeEvent{}, apierrors.NotFound("flag", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.state.Load()
	previous, existed := current.Global[key]

	next := cloneState(current)
	next.Global[key] = defaultValue
	next.UpdatedAt = time.Now()

	if err := s.persist(next); err != nil {
		return model.ChangeEvent{}, err
	}
	s.state.Store(next)

	evt := model.ChangeEvent{
		EventType: model.EventTypeChange,
		FlagName:  key,
		NewValue:  defaultValue,
		Scope:     model.ScopeGlobal,
		Reason:    "reset",
		Timestamp: next.UpdatedAt,
	}
	if existed {
		evt.PreviousValue = previous
	}
	s.notify(evt)
	return evt, nil
}

// ResetAll restores the global flag set to its documented defaults and
// clears all overrides.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &model.FlagState{
		Global:    DefaultFlagSet(),
		Overrides: map[string]model.FlagSet{},
		UpdatedAt: time.Now(),
	}

	if err := s.persist(next); err != nil {
		return err
	}
	s.state.Store(next)

	s.logger.WithFields(nil).Info("reset all flag state")
	return nil
}

func (s *Store) notify(evt model.ChangeEvent) {
	if s.notifier == nil {
		return
	}
	s.notifier.EmitChange(evt)
}

func cloneState(state *model.FlagState) *model.FlagState {
	next := &model.FlagState{
		Global:    state.Global.Clone(),
		Overrides: make(map[string]model.FlagSet, len(state.Overrides)),
		UpdatedAt: state.UpdatedAt,
	}
	for svc, fs := range state.Overrides {
		next.Overrides[svc] = fs.Clone()
	}
	return next
}
