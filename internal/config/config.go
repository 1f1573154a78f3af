// Package config loads the YAML run file of the mctr-run command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/executor"
	"github.com/smnsjas/go-mctr/internal/log"
)

type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Hosts     []HostConfig    `yaml:"hosts"`
	Run       RunConfig       `yaml:"run"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Log       log.Config      `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
}

type SessionConfig struct {
	ConfigFile   string        `yaml:"config_file"`
	MaxPTCs      int           `yaml:"max_ptcs"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	UnixSockets  bool          `yaml:"unix_sockets"`
	KillTimer    float64       `yaml:"kill_timer"`
}

type HostConfig struct {
	Host       string `yaml:"host"`
	WorkingDir string `yaml:"working_dir"`
	Executable string `yaml:"executable"`
}

// RunConfig selects what is executed once the MTC is ready: every
// [EXECUTE] item of the configuration file, control parts, then single
// testcases written as Module.testcase.
type RunConfig struct {
	ExecuteCfg bool     `yaml:"execute_cfg"`
	Control    []string `yaml:"control"`
	Testcases  []string `yaml:"testcases"`
	Pause      bool     `yaml:"pause"`
}

type SimulatorConfig struct {
	Hostname     string              `yaml:"hostname"`
	StepDelay    time.Duration       `yaml:"step_delay"`
	ControlParts map[string][]string `yaml:"control_parts"`
	Verdicts     map[string]string   `yaml:"verdicts"`
}

type RelayConfig struct {
	Listen     string `yaml:"listen"`
	MaxClients int    `yaml:"max_clients"`
}

// Default returns the configuration used for keys the run file omits.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxPTCs:      executor.DefaultMaxPTCs,
			StartTimeout: executor.DefaultStartTimeout,
			SyncTimeout:  5 * time.Minute,
			UnixSockets:  true,
		},
		Log: log.DefaultConfig(),
	}
}

// Load reads the run file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a run file over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in c.
func (c *Config) Validate() error {
	var err error
	if c.Session.MaxPTCs <= 0 {
		err = multierr.Append(err, fmt.Errorf("session.max_ptcs must be positive, got %d", c.Session.MaxPTCs))
	}
	if c.Session.StartTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.start_timeout must be positive"))
	}
	if c.Session.SyncTimeout < 0 {
		err = multierr.Append(err, errors.New("session.sync_timeout must not be negative"))
	}
	if c.Session.KillTimer < 0 {
		err = multierr.Append(err, errors.New("session.kill_timer must not be negative"))
	}

	for i, h := range c.Hosts {
		if h.WorkingDir == "" {
			err = multierr.Append(err, fmt.Errorf("hosts[%d].working_dir is empty", i))
		}
		if h.Executable == "" {
			err = multierr.Append(err, fmt.Errorf("hosts[%d].executable is empty", i))
		}
	}

	for i, tc := range c.Run.Testcases {
		if _, _, ok := SplitTestcase(tc); !ok {
			err = multierr.Append(err, fmt.Errorf("run.testcases[%d]: %q is not Module.testcase", i, tc))
		}
	}
	for tc, v := range c.Simulator.Verdicts {
		if _, ok := mctr.ParseVerdict(v); !ok {
			err = multierr.Append(err, fmt.Errorf("simulator.verdicts[%s]: unknown verdict %q", tc, v))
		}
	}

	if lerr := c.Log.Validate(); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log: %w", lerr))
	}
	if c.Relay.MaxClients < 0 {
		err = multierr.Append(err, errors.New("relay.max_clients must not be negative"))
	}
	return err
}

// SplitTestcase splits Module.testcase.
func SplitTestcase(s string) (module, testcase string, ok bool) {
	module, testcase, ok = strings.Cut(s, ".")
	if !ok || module == "" || testcase == "" {
		return "", "", false
	}
	return module, testcase, true
}
