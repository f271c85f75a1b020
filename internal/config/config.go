// Package config holds the engine-wide configuration, loaded from a YAML
// file in the platform data directory, adapted from the teacher's
// internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/logging"
)

// OracleRuntime selects which Oracle implementation to construct.
type OracleRuntime string

const (
	OracleRuntimeCLI       OracleRuntime = "cli"
	OracleRuntimeAnthropic OracleRuntime = "anthropic"
)

// WorkerCommandConfig names the subprocess binary and base arguments used
// to spawn a Worker Runtime session (spec §6's illustrative flag set).
type WorkerCommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the engine-wide configuration. If the file is absent, Load
// returns Default(), which has no workspace roots; nothing in this
// module prompts the operator for one.
type Config struct {
	WorkspaceRoots []string `yaml:"workspaceRoots"`

	OracleRuntime OracleRuntime        `yaml:"oracleRuntime"`
	OracleCommand WorkerCommandConfig  `yaml:"oracleCommand"`
	WorkerCommand WorkerCommandConfig  `yaml:"workerCommand"`

	// AnthropicModel is used only when OracleRuntime == OracleRuntimeAnthropic.
	AnthropicModel string `yaml:"anthropicModel"`

	MaxTurnsPerStep   int `yaml:"maxTurnsPerStep"`
	DefaultIntervalMin int `yaml:"defaultIntervalMinutes"`
}

// Default returns a Config with the teacher-grounded defaults: the
// claude CLI as both oracle and worker runtime, tools disabled for the
// oracle, a 30-turn cap per step.
func Default() *Config {
	return &Config{
		WorkspaceRoots: nil,
		OracleRuntime:  OracleRuntimeCLI,
		OracleCommand: WorkerCommandConfig{
			Command: "claude",
			Args:    []string{"--print", "--verbose", "--output-format", "stream-json", "--tools", ""},
		},
		WorkerCommand: WorkerCommandConfig{
			Command: "claude",
			Args:    []string{"--print", "--verbose", "--output-format", "stream-json", "--include-partial-messages"},
		},
		AnthropicModel:     "claude-sonnet-4-5",
		MaxTurnsPerStep:    30,
		DefaultIntervalMin: 60,
	}
}

// Path returns the config.yaml path under dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads config.yaml from dataDir, returning Default() if it does
// not yet exist.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to config.yaml under dataDir.
func Save(dataDir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(Path(dataDir), data, 0o644)
}

// Watcher watches config.yaml for edits and publishes the reloaded
// Config as config_changed on bus. No component in this module
// subscribes to config_changed, so a running process keeps the config
// it loaded at startup. Adapted from the teacher's fsnotify dependency (used
// elsewhere in the teacher tree for file-change detection).
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchConfig starts watching dataDir's config.yaml. Call Close to stop.
func WatchConfig(dataDir string, bus *eventbus.Bus) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dataDir); err != nil {
		_ = w.Close()
		return nil, err
	}

	done := make(chan struct{})
	target := Path(dataDir)
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name == target && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					cfg, err := Load(dataDir)
					if err != nil {
						logging.Warnf("config watcher: reload failed: %v", err)
						continue
					}
					bus.Publish(eventbus.TopicConfigChanged, cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warnf("config watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return &Watcher{watcher: w, done: done}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
