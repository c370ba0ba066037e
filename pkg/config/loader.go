package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML document: one optional block per section
type fileConfig struct {
	MongoDB       *MongoConfig         `yaml:"mongodb"`
	Redis         *RedisConfig         `yaml:"redis"`
	Providers     *ProvidersConfig     `yaml:"providers"`
	Watcher       *WatcherConfig       `yaml:"watcher"`
	Dispatcher    *DispatcherConfig    `yaml:"dispatcher"`
	Queue         *QueueConfig         `yaml:"queue"`
	Worker        *WorkerConfig        `yaml:"worker"`
	Resilience    *ResilienceConfig    `yaml:"resilience"`
	API           *APIConfig           `yaml:"api"`
	Observability *ObservabilityConfig `yaml:"observability"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file (a missing file runs on built-in defaults)
//  2. Expand ${VAR} / ${VAR:-default} environment references
//  3. Parse YAML into section structs
//  4. Merge file values over built-in defaults
//  5. Validate the merged result
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Worker.Count,
		"api_port", cfg.API.Port,
		"mongo_database", cfg.MongoDB.Database,
		"redis_addr", cfg.Redis.Addr)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Credentials arrive through the environment, so a fileless
			// deployment is a legal one.
			slog.Warn("Configuration file not found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergeSections(cfg, &file); err != nil {
		return nil, NewLoadError(path, err)
	}

	return cfg, nil
}

// mergeSections merges file-provided values over built-in defaults. Only
// sections present in the file are touched; zero values inside a present
// section keep their defaults.
func mergeSections(cfg *Config, file *fileConfig) error {
	if file.MongoDB != nil {
		if err := mergo.Merge(cfg.MongoDB, file.MongoDB, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge mongodb section: %w", err)
		}
	}
	if file.Redis != nil {
		if err := mergo.Merge(cfg.Redis, file.Redis, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge redis section: %w", err)
		}
	}
	if file.Providers != nil {
		if err := mergo.Merge(cfg.Providers, file.Providers, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge providers section: %w", err)
		}
	}
	if file.Watcher != nil {
		if err := mergo.Merge(cfg.Watcher, file.Watcher, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge watcher section: %w", err)
		}
	}
	if file.Dispatcher != nil {
		if err := mergo.Merge(cfg.Dispatcher, file.Dispatcher, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge dispatcher section: %w", err)
		}
	}
	if file.Queue != nil {
		if err := mergo.Merge(cfg.Queue, file.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge queue section: %w", err)
		}
	}
	if file.Worker != nil {
		if err := mergo.Merge(cfg.Worker, file.Worker, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge worker section: %w", err)
		}
	}
	if file.Resilience != nil {
		if err := mergo.Merge(cfg.Resilience, file.Resilience, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge resilience section: %w", err)
		}
	}
	if file.API != nil {
		if err := mergo.Merge(cfg.API, file.API, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge api section: %w", err)
		}
	}
	if file.Observability != nil {
		if err := mergo.Merge(cfg.Observability, file.Observability, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge observability section: %w", err)
		}
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
