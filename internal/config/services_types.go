package config

// ServiceTypeSettings holds configuration for a single simulated service type
// from service_types.yaml.
type ServiceTypeSettings struct {
	// Enabled determines if the service type is available for journey step
	// generation.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BasePort is a preferred starting port hint for services of this type.
	// The port allocator does not read it; it assigns ports from its own
	// range.
	BasePort int `yaml:"base_port" json:"base_port"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Extra holds any additional service-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// ServiceTypesConfig holds configuration for all known service types.
type ServiceTypesConfig struct {
	ServiceTypes map[string]*ServiceTypeSettings `yaml:"service_types" json:"service_types"`
}

// IsEnabled checks if a service type is enabled in the configuration.
// Returns false if the type is not found in config.
func (c *ServiceTypesConfig) IsEnabled(serviceType string) bool {
	if c == nil || c.ServiceTypes == nil {
		return false
	}
	settings, ok := c.ServiceTypes[serviceType]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetSettings returns the settings for a service type.
// Returns nil if the type is not found.
func (c *ServiceTypesConfig) GetSettings(serviceType string) *ServiceTypeSettings {
	if c == nil || c.ServiceTypes == nil {
		return nil
	}
	return c.ServiceTypes[serviceType]
}

// EnabledTypes returns a list of enabled service type names.
func (c *ServiceTypesConfig) EnabledTypes() []string {
	if c == nil || c.ServiceTypes == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.ServiceTypes {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledTypes returns a list of disabled service type names.
func (c *ServiceTypesConfig) DisabledTypes() []string {
	if c == nil || c.ServiceTypes == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.ServiceTypes {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}
