package paramserver

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/absmach/paramserver/worker"
	"github.com/pelletier/go-toml"
)

// Config is the optional TOML file shared by the coordinator and worker
// binaries. Zero values leave the environment settings in place.
type Config struct {
	Model       trainer.Config    `toml:"model"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Worker      WorkerConfig      `toml:"worker"`
}

type CoordinatorConfig struct {
	Address          string  `toml:"address"`
	Images           string  `toml:"images"`
	Labels           string  `toml:"labels"`
	Shards           int     `toml:"shards"`
	Mode             string  `toml:"mode"`
	LocalEpochs      int     `toml:"local_epochs"`
	BatchSize        int     `toml:"batch_size"`
	GlobalEpochs     int     `toml:"global_epochs"`
	Rule             string  `toml:"rule"`
	LearningRate     float64 `toml:"learning_rate"`
	Aggregator       string  `toml:"aggregator"`
	RequeueOnFailure bool    `toml:"requeue_on_failure"`

	AcceptTimeout      string `toml:"accept_timeout"`
	HeartbeatInterval  string `toml:"heartbeat_interval"`
	ShutdownTimeout    string `toml:"shutdown_timeout"`
	SessionReadTimeout string `toml:"session_read_timeout"`
}

type WorkerConfig struct {
	Name            string `toml:"name"`
	CoordinatorAddr string `toml:"coordinator_address"`
	Mode            string `toml:"mode"`
	GlobalEpochs    int    `toml:"global_epochs"`
	DialRetries     int    `toml:"dial_retries"`
	DialBackoff     string `toml:"dial_backoff"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Apply overrides the fields of dst that are set in the file section.
func (c CoordinatorConfig) Apply(dst *coordinator.Config) error {
	if c.Mode != "" {
		dst.Mode = fl.Mode(c.Mode)
	}
	setInt(&dst.LocalEpochs, c.LocalEpochs)
	setInt(&dst.BatchSize, c.BatchSize)
	setInt(&dst.GlobalEpochs, c.GlobalEpochs)
	if c.Rule != "" {
		dst.Rule = c.Rule
	}
	if c.LearningRate != 0 {
		dst.LearningRate = c.LearningRate
	}
	if c.Aggregator != "" {
		dst.Aggregator = c.Aggregator
	}
	if c.RequeueOnFailure {
		dst.RequeueOnFailure = true
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"accept_timeout", c.AcceptTimeout, &dst.AcceptTimeout},
		{"heartbeat_interval", c.HeartbeatInterval, &dst.HeartbeatInterval},
		{"shutdown_timeout", c.ShutdownTimeout, &dst.ShutdownTimeout},
		{"session_read_timeout", c.SessionReadTimeout, &dst.SessionReadTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}

	return nil
}

// Apply overrides the fields of dst that are set in the file section.
func (c WorkerConfig) Apply(dst *worker.Config) error {
	if c.Name != "" {
		dst.Name = c.Name
	}
	if c.CoordinatorAddr != "" {
		dst.CoordinatorAddr = c.CoordinatorAddr
	}
	if c.Mode != "" {
		dst.Mode = fl.Mode(c.Mode)
	}
	setInt(&dst.GlobalEpochs, c.GlobalEpochs)
	setInt(&dst.DialRetries, c.DialRetries)

	return setDuration(&dst.DialBackoff, "dial_backoff", c.DialBackoff)
}

// ApplyModel overrides the model fields of dst that are set in the file.
func (c Config) ApplyModel(dst *trainer.Config) {
	m := c.Model
	setInt(&dst.Inputs, m.Inputs)
	setInt(&dst.Classes, m.Classes)
	if m.Seed != 0 {
		dst.Seed = m.Seed
	}
	if m.LearningRate != 0 {
		dst.LearningRate = m.LearningRate
	}
	if m.InitScale != 0 {
		dst.InitScale = m.InitScale
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", name, err)
	}
	*dst = d

	return nil
}
