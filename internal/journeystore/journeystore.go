// Package journeystore persists saved journey configurations as one JSON
// file per config, giving the simulation's configuration surface a
// concrete save/list/load backing store.
package journeystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizobs-sim/engine/internal/apierrors"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/model"
)

// SchemaVersion is the config schema version this store writes. Bumped
// when the on-disk schema changes in an incompatible way.
const SchemaVersion = 1

// JourneyConfig is one saved journey, persisted as config-<id>.json.
type JourneyConfig struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	CompanyName  string            `json:"companyName"`
	Domain       string            `json:"domain"`
	IndustryType string            `json:"industryType"`
	Steps        []model.StepSpec  `json:"steps"`
	Timestamp    time.Time         `json:"timestamp"`
	Version      int               `json:"version"`
}

// StoreConfig controls where config files are written.
type StoreConfig struct {
	Dir string
}

// DefaultConfig returns the documented default directory.
func DefaultConfig() StoreConfig {
	return StoreConfig{Dir: "data/journey_configs"}
}

// Store is the journey config persistence layer.
type Store struct {
	cfg    StoreConfig
	logger *logging.Logger
	mu     sync.Mutex
}

// New constructs a Store, creating its directory if it does not exist.
func New(cfg StoreConfig, logger *logging.Logger) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "data/journey_configs"
	}
	if logger == nil {
		logger = logging.NewFromEnv("journeystore")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apierrors.PersistenceWriteFailed("journey_configs", err)
	}

	return &Store{cfg: cfg, logger: logger}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("config-%s.json", id))
}

// Save writes a new journey config and returns it with its ID, timestamp,
// and version populated.
func (s *Store) Save(name, companyName, domain, industryType string, steps []model.StepSpec) (JourneyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := JourneyConfig{
		ID:           uuid.NewString(),
		Name:         name,
		CompanyName:  companyName,
		Domain:       domain,
		IndustryType: industryType,
		Steps:        steps,
		Timestamp:    time.Now(),
		Version:      SchemaVersion,
	}

	if err := s.persist(cfg); err != nil {
		return JourneyConfig{}, err
	}

	return cfg, nil
}

func (s *Store) persist(cfg JourneyConfig) error {
	start := time.Now()
	path := s.path(cfg.ID)
	err := s.doPersist(cfg, path)
	s.logger.LogPersistenceWrite(context.Background(), path, time.Since(start), err)
	return err
}

func (s *Store) doPersist(cfg JourneyConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return apierrors.Internal("failed to marshal journey config", err)
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierrors.PersistenceWriteFailed("journey_configs", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierrors.PersistenceWriteFailed("journey_configs", err)
	}
	return nil
}

// Get loads one journey config by ID.
func (s *Store) Get(id string) (JourneyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return JourneyConfig{}, apierrors.NotFound("journey_config", id)
		}
		return JourneyConfig{}, apierrors.Internal("failed to read journey config", err)
	}

	var cfg JourneyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return JourneyConfig{}, apierrors.Internal("failed to parse journey config", err)
	}
	return cfg, nil
}

// List returns every saved journey config, most recently saved first.
func (s *Store) List() ([]JourneyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, apierrors.Internal("failed to list journey configs", err)
	}

	var configs []JourneyConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, entry.Name()))
		if err != nil {
			s.logger.WithError(err).Warn("skipping unreadable journey config file")
			continue
		}
		var cfg JourneyConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			s.logger.WithError(err).Warn("skipping malformed journey config file")
			continue
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Timestamp.After(configs[j].Timestamp)
	})

	return configs, nil
}

// Delete removes one saved journey config.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return apierrors.NotFound("journey_config", id)
		}
		return apierrors.Internal("failed to delete journey config", err)
	}
	return nil
}
