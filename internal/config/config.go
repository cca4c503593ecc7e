package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/harness"
	"github.com/clawinfra/cerrla/internal/slot"
	"github.com/clawinfra/cerrla/internal/specializer"
)

// Config holds all CERRLA configuration
type Config struct {
	// Learning parameters of the cross-entropy optimizer
	Learning LearningConfig `json:"learning" yaml:"learning" toml:"learning"`

	// Experiment layout
	Run RunConfig `json:"run" yaml:"run" toml:"run"`

	// Generator checkpoints
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint" toml:"checkpoint"`

	// Progress telemetry
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry"`

	// Logging
	Log LogConfig `json:"log" yaml:"log" toml:"log"`

	// Built-in benchmark environment
	Environment harness.TargetConfig `json:"environment" yaml:"environment" toml:"environment"`
}

type LearningConfig struct {
	Alpha             float64  `json:"alpha" yaml:"alpha" toml:"alpha"`
	Rho               float64  `json:"rho" yaml:"rho" toml:"rho"`
	Beta              float64  `json:"beta" yaml:"beta" toml:"beta"`
	ConvergedUpdates  int      `json:"convergedUpdates" yaml:"convergedUpdates" toml:"convergedUpdates"`
	SplitFactor       float64  `json:"splitFactor" yaml:"splitFactor" toml:"splitFactor"`
	MinSpread         float64  `json:"minSpread" yaml:"minSpread" toml:"minSpread"`
	MutationUses      int      `json:"mutationUses" yaml:"mutationUses" toml:"mutationUses"`
	WeightedUpdates   bool     `json:"weightedUpdates" yaml:"weightedUpdates" toml:"weightedUpdates"`
	NegativeUpdates   bool     `json:"negativeUpdates" yaml:"negativeUpdates" toml:"negativeUpdates"`
	AutoFix           bool     `json:"autoFix" yaml:"autoFix" toml:"autoFix"`
	InfluenceUntested bool     `json:"influenceUntested" yaml:"influenceUntested" toml:"influenceUntested"`
	PopulationMode    string   `json:"populationMode" yaml:"populationMode" toml:"populationMode"`
	MinPopulation     int      `json:"minPopulation" yaml:"minPopulation" toml:"minPopulation"`
	MaxEpisodes       int      `json:"maxEpisodes" yaml:"maxEpisodes" toml:"maxEpisodes"`
	UpdateInterval    int      `json:"updateInterval" yaml:"updateInterval" toml:"updateInterval"`
	TestEpisodes      int      `json:"testEpisodes" yaml:"testEpisodes" toml:"testEpisodes"`
	Strategies        []string `json:"strategies,omitempty" yaml:"strategies,omitempty" toml:"strategies,omitempty"`
}

type RunConfig struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	Seed    uint64 `json:"seed" yaml:"seed" toml:"seed"`
	Runs    int    `json:"runs" yaml:"runs" toml:"runs"`
	DataDir string `json:"dataDir" yaml:"dataDir" toml:"dataDir"`
}

// CheckpointConfig controls when generator state is written to SQLite.
// Either trigger may be used; both can be combined.
type CheckpointConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	DBPath       string `json:"dbPath" yaml:"dbPath" toml:"dbPath"`
	EveryUpdates int    `json:"everyUpdates,omitempty" yaml:"everyUpdates,omitempty" toml:"everyUpdates,omitempty"`
	Cron         string `json:"cron,omitempty" yaml:"cron,omitempty" toml:"cron,omitempty"` // standard 5-field expression
	Keep         int    `json:"keep,omitempty" yaml:"keep,omitempty" toml:"keep,omitempty"` // checkpoints kept per run, 0 keeps all
}

type TelemetryConfig struct {
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Broker   string `json:"broker" yaml:"broker" toml:"broker"` // tcp://host:1883
	Topic    string `json:"topic" yaml:"topic" toml:"topic"`
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty" toml:"clientId,omitempty"`
	QoS      byte   `json:"qos" yaml:"qos" toml:"qos"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // text or json
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Learning: LearningConfig{
			Alpha:            0.6,
			Rho:              0.05,
			Beta:             0.01,
			ConvergedUpdates: 10,
			SplitFactor:      1.0,
			MinSpread:        0.01,
			MutationUses:     20,
			AutoFix:          true,
			PopulationMode:   string(generator.PopulationCombined),
			MinPopulation:    20,
			MaxEpisodes:      100000,
			UpdateInterval:   1,
			TestEpisodes:     100,
		},
		Run: RunConfig{
			Name:    "cerrla",
			Seed:    1,
			Runs:    1,
			DataDir: "./data",
		},
		Checkpoint: CheckpointConfig{
			Enabled:      true,
			DBPath:       "./data/checkpoints.db",
			EveryUpdates: 10,
			Keep:         5,
		},
		Telemetry: TelemetryConfig{
			MQTT: MQTTConfig{
				Broker: "tcp://localhost:1883",
				Topic:  "cerrla/progress",
				QoS:    0,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Environment: harness.DefaultTargetConfig(),
	}
}

type format int

const (
	formatJSON format = iota
	formatTOML
	formatYAML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Load reads config from a JSON, TOML or YAML file, picked by extension.
// Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch f {
	case formatJSON:
		err = json.Unmarshal(data, cfg)
	case formatTOML:
		err = toml.Unmarshal(data, cfg)
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Run.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config in the format its extension names
func (c *Config) Save(path string) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	switch f {
	case formatJSON:
		data, err = json.MarshalIndent(c, "", "  ")
	case formatTOML:
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(c)
		data = []byte(b.String())
	case formatYAML:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks every section and returns all problems found.
func (c *Config) Validate() error {
	var errs []error
	l := c.Learning
	if l.Alpha <= 0 || l.Alpha > 1 {
		errs = append(errs, fmt.Errorf("learning.alpha must be in (0, 1], got %g", l.Alpha))
	}
	if l.Rho <= 0 || l.Rho > 1 {
		errs = append(errs, fmt.Errorf("learning.rho must be in (0, 1], got %g", l.Rho))
	}
	if l.Beta < 0 || l.Beta >= 1 {
		errs = append(errs, fmt.Errorf("learning.beta must be in [0, 1), got %g", l.Beta))
	}
	if l.UpdateInterval < 1 {
		errs = append(errs, fmt.Errorf("learning.updateInterval must be at least 1, got %d", l.UpdateInterval))
	}
	if l.MaxEpisodes < 1 {
		errs = append(errs, fmt.Errorf("learning.maxEpisodes must be at least 1, got %d", l.MaxEpisodes))
	}
	if _, err := generator.ParsePopulationMode(l.PopulationMode); err != nil {
		errs = append(errs, fmt.Errorf("learning.populationMode: %w", err))
	}
	if _, err := l.ParseStrategies(); err != nil {
		errs = append(errs, fmt.Errorf("learning.strategies: %w", err))
	}
	if c.Run.Runs < 1 {
		errs = append(errs, fmt.Errorf("run.runs must be at least 1, got %d", c.Run.Runs))
	}
	if c.Checkpoint.Enabled {
		if c.Checkpoint.DBPath == "" {
			errs = append(errs, errors.New("checkpoint.dbPath is required"))
		}
		if c.Checkpoint.Keep < 0 {
			errs = append(errs, fmt.Errorf("checkpoint.keep must be non-negative, got %d", c.Checkpoint.Keep))
		}
		if c.Checkpoint.Cron != "" {
			if _, err := cron.ParseStandard(c.Checkpoint.Cron); err != nil {
				errs = append(errs, fmt.Errorf("checkpoint.cron: %w", err))
			}
		}
	}
	if m := c.Telemetry.MQTT; m.Enabled {
		if m.Broker == "" || m.Topic == "" {
			errs = append(errs, errors.New("telemetry.mqtt requires broker and topic"))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2, got %d", m.QoS))
		}
	}
	if !logLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := c.Environment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("environment: %w", err))
	}
	return errors.Join(errs...)
}

// ParseStrategies resolves the configured specialization strategies. An
// empty list selects all of them.
func (l LearningConfig) ParseStrategies() ([]specializer.Strategy, error) {
	var out []specializer.Strategy
	for _, name := range l.Strategies {
		s, err := specializer.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Generator builds the generator settings from the learning section.
func (l LearningConfig) Generator() (generator.Config, error) {
	mode, err := generator.ParsePopulationMode(l.PopulationMode)
	if err != nil {
		return generator.Config{}, err
	}
	return generator.Config{
		Slot: slot.Config{
			Beta:             l.Beta,
			ConvergedUpdates: l.ConvergedUpdates,
			SplitFactor:      l.SplitFactor,
			AutoFix:          l.AutoFix,
			MinSpread:        l.MinSpread,
		},
		Rho:             l.Rho,
		PopulationMode:  mode,
		MinPopulation:   l.MinPopulation,
		WeightedUpdates: l.WeightedUpdates,
		NegativeUpdates: l.NegativeUpdates,
	}, nil
}
