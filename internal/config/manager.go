package config

import (
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/trustscore/internal/badge"
)

// TenantOverride is the subset of Config a tenant may change.
type TenantOverride struct {
	Strategy          string          `yaml:"strategy"`
	DefaultValidators []string        `yaml:"default_validators"`
	Trust             *TrustConfig    `yaml:"trust"`
	Drift             *DriftOverride  `yaml:"drift"`
	MaxIntervalWidth  float64         `yaml:"max_interval_width"`
	Badges            []BadgeOverride `yaml:"badges"`
	Monitoring        []MonitorConfig `yaml:"monitoring"`
	Webhooks          []WebhookConfig `yaml:"webhooks"`
}

// DriftOverride changes drift thresholds for one tenant.
type DriftOverride struct {
	Threshold    float64 `yaml:"threshold"`
	SevereMargin float64 `yaml:"severe_margin"`
}

// BadgeOverride replaces the minimum of one predicate of a named badge.
type BadgeOverride struct {
	Name   string  `yaml:"name"`
	Metric string  `yaml:"metric"`
	Min    float64 `yaml:"min"`
}

// TenantsConfig holds map of tenant overrides
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective configuration per tenant.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]TenantOverride
	mu            sync.RWMutex
}

// NewManager loads both master and tenant configs. A missing tenants file
// means no overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.ApplyEnv()
	if err := master.Validate(); err != nil {
		return nil, err
	}

	tenants, err := loadTenants(tenantsPath)
	if err != nil {
		return nil, err
	}
	return NewManagerFromConfig(master, tenants), nil
}

// NewManagerFromConfig builds a manager from already loaded values.
func NewManagerFromConfig(global *Config, tenants map[string]TenantOverride) *Manager {
	if tenants == nil {
		tenants = make(map[string]TenantOverride)
	}
	return &Manager{globalConfig: global, tenantConfigs: tenants}
}

func loadTenants(path string) (map[string]TenantOverride, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	return tc.Tenants, nil
}

// Global returns the master configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}

// Tenants lists tenants with overrides, sorted.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenantConfigs))
	for id := range m.tenantConfigs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasOverride reports whether tenantID has its own settings.
func (m *Manager) HasOverride(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenantConfigs[tenantID]
	return ok
}

// SetTenant installs or replaces the override for tenantID.
func (m *Manager) SetTenant(tenantID string, o TenantOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantConfigs[tenantID] = o
}

// Override returns the raw override for a tenant.
func (m *Manager) Override(tenantID string) (TenantOverride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.tenantConfigs[tenantID]
	return o, ok
}

// Get returns the effective config for a tenant: a copy of the global config
// with the tenant's overrides applied.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	effective.Orchestrator.DefaultValidators = append([]string(nil), m.globalConfig.Orchestrator.DefaultValidators...)
	effective.Badges = cloneCatalogue(m.globalConfig)

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.Strategy != "" {
		effective.Orchestrator.Strategy = override.Strategy
	}
	if len(override.DefaultValidators) > 0 {
		effective.Orchestrator.DefaultValidators = append([]string(nil), override.DefaultValidators...)
	}
	if override.Trust != nil {
		effective.Trust = *override.Trust
	}
	if override.Drift != nil {
		if override.Drift.Threshold > 0 {
			effective.Drift.Threshold = override.Drift.Threshold
		}
		if override.Drift.SevereMargin > 0 {
			effective.Drift.SevereMargin = override.Drift.SevereMargin
		}
	}
	if override.MaxIntervalWidth > 0 {
		effective.Escalation.MaxIntervalWidth = override.MaxIntervalWidth
	}
	for _, b := range override.Badges {
		applyBadgeOverride(&effective, b)
	}
	if len(override.Monitoring) > 0 {
		effective.Monitoring = override.Monitoring
	}
	if len(override.Webhooks) > 0 {
		effective.Alerts.Webhooks = override.Webhooks
	}
	return &effective
}

func cloneCatalogue(c *Config) badge.Catalogue {
	out := make(badge.Catalogue, len(c.Badges))
	for i, d := range c.Badges {
		d.Predicates = append(d.Predicates[:0:0], d.Predicates...)
		out[i] = d
	}
	return out
}

func applyBadgeOverride(c *Config, o BadgeOverride) {
	for i := range c.Badges {
		if c.Badges[i].Name != o.Name {
			continue
		}
		for j := range c.Badges[i].Predicates {
			if c.Badges[i].Predicates[j].Metric == o.Metric {
				c.Badges[i].Predicates[j].Min = o.Min
				return
			}
		}
		c.Badges[i].Predicates = append(c.Badges[i].Predicates, badge.Predicate{Metric: o.Metric, Min: o.Min})
		return
	}
}
