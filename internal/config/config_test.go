package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/specializer"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Learning.Alpha != 0.6 {
		t.Errorf("expected alpha 0.6, got %f", cfg.Learning.Alpha)
	}

	if cfg.Learning.Rho != 0.05 {
		t.Errorf("expected rho 0.05, got %f", cfg.Learning.Rho)
	}

	if cfg.Run.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Run.DataDir)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if cfg.Telemetry.MQTT.Enabled {
		t.Error("expected MQTT telemetry disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadSaveFormats(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".yaml", ".yml"} {
		t.Run(ext, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, "cerrla"+ext)

			cfg := DefaultConfig()
			cfg.Run.DataDir = filepath.Join(tmpDir, "data")
			cfg.Run.Seed = 42
			cfg.Run.Runs = 4
			cfg.Learning.Alpha = 0.3
			cfg.Learning.NegativeUpdates = true
			cfg.Learning.Strategies = []string{"add-condition"}
			cfg.Checkpoint.Cron = "*/5 * * * *"
			cfg.Telemetry.MQTT.Enabled = true
			cfg.Telemetry.MQTT.QoS = 1

			if err := cfg.Save(path); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}

			if loaded.Run.Seed != 42 || loaded.Run.Runs != 4 {
				t.Errorf("run section not restored: %+v", loaded.Run)
			}
			if loaded.Learning.Alpha != 0.3 || !loaded.Learning.NegativeUpdates {
				t.Errorf("learning section not restored: %+v", loaded.Learning)
			}
			if len(loaded.Learning.Strategies) != 1 || loaded.Learning.Strategies[0] != "add-condition" {
				t.Errorf("expected strategies restored, got %v", loaded.Learning.Strategies)
			}
			if loaded.Checkpoint.Cron != "*/5 * * * *" {
				t.Errorf("expected cron restored, got %q", loaded.Checkpoint.Cron)
			}
			if !loaded.Telemetry.MQTT.Enabled || loaded.Telemetry.MQTT.QoS != 1 {
				t.Errorf("mqtt section not restored: %+v", loaded.Telemetry.MQTT)
			}
			if len(loaded.Environment.Stages) != 2 {
				t.Fatalf("expected 2 environment stages, got %d", len(loaded.Environment.Stages))
			}
			if got := loaded.Environment.Stages[1].Observation.Actions[1].Action.Name; got != "stack" {
				t.Errorf("expected stack action in stage 2, got %q", got)
			}
			if err := loaded.Validate(); err != nil {
				t.Errorf("loaded config should validate: %v", err)
			}
			if _, err := os.Stat(cfg.Run.DataDir); err != nil {
				t.Errorf("expected data dir created: %v", err)
			}
		})
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "partial.toml")
	content := `
[learning]
alpha = 0.25

[run]
dataDir = "` + filepath.ToSlash(filepath.Join(tmpDir, "data")) + `"
`
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Learning.Alpha != 0.25 {
		t.Errorf("expected alpha 0.25, got %f", cfg.Learning.Alpha)
	}
	if cfg.Learning.Rho != 0.05 || cfg.Run.Runs != 1 {
		t.Errorf("expected defaults kept, got rho %f runs %d", cfg.Learning.Rho, cfg.Run.Runs)
	}
}

func TestLoadErrors(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := Load(filepath.Join(tmpDir, "cfg.ini")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := Load(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("learning: [unclosed"), 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"alpha", func(c *Config) { c.Learning.Alpha = 0 }, "learning.alpha"},
		{"rho", func(c *Config) { c.Learning.Rho = 2 }, "learning.rho"},
		{"population mode", func(c *Config) { c.Learning.PopulationMode = "nope" }, "learning.populationMode"},
		{"strategy", func(c *Config) { c.Learning.Strategies = []string{"teleport"} }, "learning.strategies"},
		{"runs", func(c *Config) { c.Run.Runs = 0 }, "run.runs"},
		{"cron", func(c *Config) { c.Checkpoint.Cron = "every tuesday" }, "checkpoint.cron"},
		{"mqtt", func(c *Config) { c.Telemetry.MQTT = MQTTConfig{Enabled: true} }, "telemetry.mqtt"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"environment", func(c *Config) { c.Environment.Stages = nil }, "environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLearningGenerator(t *testing.T) {
	l := DefaultConfig().Learning
	l.PopulationMode = "sum-kl"
	l.WeightedUpdates = true
	g, err := l.Generator()
	if err != nil {
		t.Fatal(err)
	}
	if g.PopulationMode != generator.PopulationSumKL || !g.WeightedUpdates {
		t.Errorf("unexpected generator config: %+v", g)
	}
	if g.Slot.Beta != l.Beta || g.Slot.ConvergedUpdates != l.ConvergedUpdates || !g.Slot.AutoFix {
		t.Errorf("slot config not carried over: %+v", g.Slot)
	}
}

func TestParseStrategies(t *testing.T) {
	l := LearningConfig{Strategies: []string{"split-range", "Substitute-Term"}}
	got, err := l.ParseStrategies()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != specializer.SplitRange || got[1] != specializer.SubstituteTerm {
		t.Errorf("unexpected strategies: %v", got)
	}
	if all, _ := (LearningConfig{}).ParseStrategies(); all != nil {
		t.Error("expected nil for the default strategy set")
	}
}
