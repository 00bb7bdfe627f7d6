package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Budget    BudgetConfig    `json:"budget"`
	Source    SourceConfig    `json:"source"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// LifecycleConfig bounds the skill manager. Zero values fall back to the
// manager's defaults.
type LifecycleConfig struct {
	MaxLoaded         int `json:"max_loaded"`
	MaxActive         int `json:"max_active"`
	ContextBudget     int `json:"context_budget"`
	DefaultAllocation int `json:"default_allocation"`
}

// BudgetConfig shapes the priority-aware allocator pool.
type BudgetConfig struct {
	Total         int    `json:"total"`
	RebalanceCron string `json:"rebalance_cron"`
}

// SourceConfig selects where skill content comes from. Postgres and Redis
// are optional; the service falls back to directory and built-in skills
// when they are absent.
type SourceConfig struct {
	SkillsDir       string         `json:"skills_dir"`
	Postgres        PostgresConfig `json:"postgres"`
	Redis           RedisConfig    `json:"redis"`
	CacheTTLSeconds int            `json:"cache_ttl_seconds"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
