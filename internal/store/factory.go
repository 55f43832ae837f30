package store

import (
	"context"
	"fmt"
	"os"
)

// Config selects and configures the persistence backend.
type Config struct {
	Backend         string `yaml:"backend"` // "memory", "postgres" or "spanner"
	PostgresDSN     string `yaml:"postgres_dsn"`
	AutoMigrate     bool   `yaml:"auto_migrate"`
	SpannerProject  string `yaml:"spanner_project"`
	SpannerInstance string `yaml:"spanner_instance"`
	SpannerDatabase string `yaml:"spanner_database"`
}

// New creates the store the configuration names.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(ctx, cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil

	case "memory", "":
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

// ApplyEnv overrides cfg with STORE_BACKEND, DATABASE_URL and SPANNER_* variables.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SPANNER_PROJECT_ID"); v != "" {
		cfg.SpannerProject = v
	}
	if v := os.Getenv("SPANNER_INSTANCE_ID"); v != "" {
		cfg.SpannerInstance = v
	}
	if v := os.Getenv("SPANNER_DATABASE_ID"); v != "" {
		cfg.SpannerDatabase = v
	}
}
