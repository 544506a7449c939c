package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/lanekeeper/internal/fleet"
)

// File is the on-disk daemon configuration, <home>/fleet.yaml.
type File struct {
	Map    MapConfig    `yaml:"map"`
	Fleet  fleet.Config `yaml:"fleet"`
	Agents []AgentSpec  `yaml:"agents,omitempty"`
	Store  StoreConfig  `yaml:"store"`
	NATS   NATSConfig   `yaml:"nats,omitempty"`
	Alerts AlertConfig  `yaml:"alerts,omitempty"`
}

// MapConfig selects the map source. A Neo4j URI takes precedence over File.
type MapConfig struct {
	File  string      `yaml:"file,omitempty"`
	Level string      `yaml:"level,omitempty"`
	Neo4j Neo4jConfig `yaml:"neo4j,omitempty"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// AgentSpec is an agent spawned at daemon start. A zero battery means
// fleet.initial_battery.
type AgentSpec struct {
	ID      string  `yaml:"id"`
	At      string  `yaml:"at"`
	Battery float64 `yaml:"battery,omitempty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn,omitempty"`
}

type NATSConfig struct {
	URL    string `yaml:"url,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

type AlertConfig struct {
	SlackWebhook string `yaml:"slack_webhook,omitempty"`
}

// Default returns the configuration used when fleet.yaml is absent.
func Default() File {
	return File{
		Map:   MapConfig{File: "map.json"},
		Fleet: fleet.DefaultConfig(),
		Store: StoreConfig{Driver: "sqlite"},
	}
}

// FleetPath returns <home>/fleet.yaml.
func FleetPath(home string) string {
	return filepath.Join(home, "fleet.yaml")
}

// Load reads <home>/fleet.yaml over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
// A relative map file is resolved against home.
func Load(home string) (File, error) {
	cfg := Default()
	data, err := os.ReadFile(FleetPath(home))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return File{}, fmt.Errorf("parse %s: %w", FleetPath(home), err)
		}
	case !os.IsNotExist(err):
		return File{}, err
	}
	cfg.applyEnv()
	if cfg.Map.File != "" && !filepath.IsAbs(cfg.Map.File) {
		cfg.Map.File = filepath.Join(home, cfg.Map.File)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("%s: %w", FleetPath(home), err)
	}
	return cfg, nil
}

// Save writes cfg to <home>/fleet.yaml.
func Save(home string, cfg File) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(FleetPath(home), data, 0o644)
}

func (f *File) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" && f.Store.Driver == "postgres" && f.Store.DSN == "" {
		f.Store.DSN = v
	}
	if v := os.Getenv("LANEKEEPER_NATS_URL"); v != "" {
		f.NATS.URL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		f.Alerts.SlackWebhook = v
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		f.Map.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		f.Map.Neo4j.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		f.Map.Neo4j.Password = v
	}
}

func (f File) Validate() error {
	if f.Map.File == "" && f.Map.Neo4j.URI == "" {
		return errors.New("map: file or neo4j.uri required")
	}
	switch f.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("store: unknown driver %q", f.Store.Driver)
	}
	seen := make(map[string]bool)
	for i, a := range f.Agents {
		if a.At == "" {
			return fmt.Errorf("agents[%d]: at is required", i)
		}
		if a.ID != "" && seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Battery < 0 || a.Battery > 100 {
			return fmt.Errorf("agents[%d]: battery must be within [0,100]", i)
		}
	}
	return f.Fleet.Validate()
}
