package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServiceTypesConfig loads the service type catalog from
// config/service_types.yaml.
func LoadServiceTypesConfig() (*ServiceTypesConfig, error) {
	return LoadServiceTypesConfigFromPath(filepath.Join("config", "service_types.yaml"))
}

// LoadServiceTypesConfigFromPath loads the service type catalog from a
// specific path.
func LoadServiceTypesConfigFromPath(path string) (*ServiceTypesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service types config: %w", err)
	}

	var cfg ServiceTypesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse service types config: %w", err)
	}

	for id, settings := range cfg.ServiceTypes {
		if settings.BasePort == 0 {
			return nil, fmt.Errorf("service type %s: base_port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServiceTypesConfigOrDefault loads the service type catalog, falling
// back to the built-in default catalog if the file is absent.
func LoadServiceTypesConfigOrDefault() *ServiceTypesConfig {
	cfg, err := LoadServiceTypesConfig()
	if err != nil {
		return DefaultServiceTypesConfig()
	}
	return cfg
}

// DefaultServiceTypesConfig returns the built-in catalog of simulated service
// types, used when no config/service_types.yaml is present. These are the
// categories a journey step's category is checked against when its service
// is started; the auto-load generator does not consult this catalog.
func DefaultServiceTypesConfig() *ServiceTypesConfig {
	return &ServiceTypesConfig{
		ServiceTypes: map[string]*ServiceTypeSettings{
			"web": {
				Enabled:     true,
				BasePort:    9000,
				Description: "Customer-facing web frontend",
			},
			"api": {
				Enabled:     true,
				BasePort:    9100,
				Description: "Backend API gateway",
			},
			"auth": {
				Enabled:     true,
				BasePort:    9200,
				Description: "Authentication and session service",
			},
			"payment": {
				Enabled:     true,
				BasePort:    9300,
				Description: "Payment processing service",
			},
			"database": {
				Enabled:     true,
				BasePort:    9400,
				Description: "Primary data store service",
			},
			"cache": {
				Enabled:     true,
				BasePort:    9500,
				Description: "In-memory caching tier",
			},
			"notification": {
				Enabled:     true,
				BasePort:    9600,
				Description: "Email/SMS/push notification dispatch",
			},
			"inventory": {
				Enabled:     true,
				BasePort:    9700,
				Description: "Inventory and fulfillment service",
			},
		},
	}
}
