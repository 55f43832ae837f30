// Package config loads the engine configuration from YAML with environment
// overrides, and resolves per-tenant overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/badge"
	"github.com/ocx/trustscore/internal/drift"
	"github.com/ocx/trustscore/internal/escalation"
	"github.com/ocx/trustscore/internal/orchestrator"
	"github.com/ocx/trustscore/internal/store"
	"github.com/ocx/trustscore/internal/trust"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Trust        TrustConfig         `yaml:"trust"`
	Drift        drift.Config        `yaml:"drift"`
	Escalation   EscalationConfig    `yaml:"escalation"`
	Validators   []ValidatorConfig   `yaml:"validators"`
	Badges       badge.Catalogue     `yaml:"badges"`
	Store        store.Config        `yaml:"store"`
	Redis        RedisConfig         `yaml:"redis"`
	Archive      ArchiveConfig       `yaml:"archive"`
	Alerts       AlertsConfig        `yaml:"alerts"`
	Monitoring   []MonitorConfig     `yaml:"monitoring"`
	Auth         AuthConfig          `yaml:"auth"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	AllowOrigin string `yaml:"allow_origin"`
}

type TrustConfig struct {
	Calculator    trust.Config            `yaml:"calculator"`
	Adjustment    trust.ClampedMultiplier `yaml:"adjustment"`
	MinSuccessful int                     `yaml:"min_successful"`
}

type EscalationConfig struct {
	MaxIntervalWidth float64                `yaml:"max_interval_width"`
	Retry            escalation.RetryPolicy `yaml:"retry"`
	Reviewer         string                 `yaml:"reviewer"` // "memory" or "supabase"
}

// ValidatorConfig registers a remote validator reached over HTTP.
type ValidatorConfig struct {
	ID     string  `yaml:"id"`
	Kind   string  `yaml:"kind"`
	Weight float64 `yaml:"weight"`
	URL    string  `yaml:"url"`
	Token  string  `yaml:"token"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	BaselineTTL time.Duration `yaml:"baseline_ttl"`
	ScoreTTL    time.Duration `yaml:"score_ttl"`
}

type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type AlertsConfig struct {
	Dispatcher alerts.DispatcherConfig `yaml:"dispatcher"`
	Log        bool                    `yaml:"log"`
	Stream     bool                    `yaml:"stream"`
	Webhooks   []WebhookConfig         `yaml:"webhooks"`
	RedisTopic string                  `yaml:"redis_channel"`
	PubSub     PubSubConfig            `yaml:"pubsub"`
	Kafka      alerts.KafkaConfig      `yaml:"kafka"`
	CloudTasks CloudTasksConfig        `yaml:"cloud_tasks"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Types  []string `yaml:"types"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Queue     string `yaml:"queue"`
	TargetURL string `yaml:"target_url"`
	Secret    string `yaml:"secret"`
}

// MonitorConfig registers an agent for continuous monitoring at startup.
type MonitorConfig struct {
	AgentID    string        `yaml:"agent_id"`
	TenantID   string        `yaml:"tenant_id"`
	Interval   time.Duration `yaml:"interval"`
	Validators []string      `yaml:"validators"`
}

// AuthConfig secures the HITL callback endpoints.
type AuthConfig struct {
	HITLSecret string `yaml:"hitl_secret"`
	Issuer     string `yaml:"issuer"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server:       ServerConfig{Port: "8080", Env: "development", AllowOrigin: "*"},
		Orchestrator: orchestrator.DefaultConfig(),
		Trust: TrustConfig{
			Calculator:    trust.DefaultConfig(),
			Adjustment:    trust.DefaultAdjustmentPolicy(),
			MinSuccessful: 1,
		},
		Drift: drift.DefaultConfig(),
		Escalation: EscalationConfig{
			MaxIntervalWidth: escalation.DefaultConfig().MaxIntervalWidth,
			Retry:            escalation.DefaultRetryPolicy(),
			Reviewer:         "memory",
		},
		Badges: badge.DefaultCatalogue(),
		Store:  store.Config{Backend: "memory"},
		Alerts: AlertsConfig{Log: true, Stream: true},
		Redis:  RedisConfig{BaselineTTL: 30 * 24 * time.Hour, ScoreTTL: time.Hour},
	}
}

// LoadConfig reads path on top of Default.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("HITL_JWT_SECRET"); v != "" {
		c.Auth.HITLSecret = v
	}
	if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Alerts.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		if c.Alerts.PubSub.TopicID != "" && c.Alerts.PubSub.ProjectID == "" {
			c.Alerts.PubSub.ProjectID = v
		}
		if c.Alerts.CloudTasks.Queue != "" && c.Alerts.CloudTasks.ProjectID == "" {
			c.Alerts.CloudTasks.ProjectID = v
		}
	}
	c.Store.ApplyEnv()
}

// Validate checks cross-field constraints the components cannot check alone.
func (c *Config) Validate() error {
	if _, err := trust.Lookup(c.Orchestrator.Strategy); err != nil {
		return err
	}
	if err := c.Badges.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Validators))
	for _, v := range c.Validators {
		if v.ID == "" || v.URL == "" {
			return fmt.Errorf("validator entries need id and url")
		}
		if seen[v.ID] {
			return fmt.Errorf("validator %s configured twice", v.ID)
		}
		seen[v.ID] = true
	}
	for _, id := range c.Orchestrator.DefaultValidators {
		if !seen[id] {
			return fmt.Errorf("default validator %s is not configured", id)
		}
	}
	for _, m := range c.Monitoring {
		if m.AgentID == "" || m.Interval <= 0 {
			return fmt.Errorf("monitoring entries need agent_id and a positive interval")
		}
	}
	switch c.Escalation.Reviewer {
	case "", "memory", "supabase":
	default:
		return fmt.Errorf("unknown reviewer backend %q", c.Escalation.Reviewer)
	}
	return nil
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
