package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "90s" or "10m" in config files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// WorkerConfig binds a worker kind to an external command.
type WorkerConfig struct {
	Kind        string            `yaml:"kind" json:"kind"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Timeout     Duration          `yaml:"timeout" json:"timeout"`
	Description string            `yaml:"description" json:"description"`
}

// Argv returns the command followed by its arguments.
func (c WorkerConfig) Argv() []string {
	return append([]string{c.Command}, c.Args...)
}

// Env returns the configured environment as KEY=VALUE pairs.
func (c WorkerConfig) Env() []string {
	out := make([]string, 0, len(c.Environment))
	for k, v := range c.Environment {
		out = append(out, k+"="+v)
	}
	return out
}

// ConfigFile represents the structure of workers.yaml.
type ConfigFile struct {
	Workers []WorkerConfig `yaml:"workers" json:"workers"`
}

// LoadWorkers reads a configuration file (YAML or JSON) and returns the bindings by kind.
// A missing file means no external workers are configured.
func LoadWorkers(path string) (map[string]WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]WorkerConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read workers config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	out := make(map[string]WorkerConfig, len(cfg.Workers))
	for i, w := range cfg.Workers {
		if w.Kind == "" {
			return nil, fmt.Errorf("%s: worker #%d has no kind", path, i+1)
		}
		if w.Command == "" {
			return nil, fmt.Errorf("%s: worker %q has no command", path, w.Kind)
		}
		if _, dup := out[w.Kind]; dup {
			return nil, fmt.Errorf("%s: worker %q configured twice", path, w.Kind)
		}
		out[w.Kind] = w
	}
	return out, nil
}
