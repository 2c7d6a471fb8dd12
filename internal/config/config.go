// Package config loads trainctl's tool configuration with viper.
//
// Precedence, highest first: runtime overrides, TRAINCTL_* environment
// variables, the YAML config file, built-in defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName is used for the data dir, config dir and env prefix.
const AppName = "trainctl"

const envPrefix = "TRAINCTL_"

// Config is the decoded tool configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Provision  ProvisionConfig  `mapstructure:"provision"`
	Server     ServerConfig     `mapstructure:"server"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type SupervisorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GraceWindow      time.Duration `mapstructure:"grace_window"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	StallThreshold   time.Duration `mapstructure:"stall_threshold"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
}

type ProvisionConfig struct {
	Backend   string `mapstructure:"backend"`
	CondaBin  string `mapstructure:"conda_bin"`
	PythonBin string `mapstructure:"python_bin"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// JobsDir is where the job registry lives.
func (c *Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins the config file used by subsequent Loads. An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))
	v.SetDefault("logging.level", "info")

	v.SetDefault("supervisor.poll_interval", "5s")
	v.SetDefault("supervisor.grace_window", "20s")
	v.SetDefault("supervisor.sample_interval", "30s")
	v.SetDefault("supervisor.stall_threshold", "15m")
	v.SetDefault("supervisor.terminate_timeout", "30s")

	v.SetDefault("provision.backend", "conda")
	v.SetDefault("provision.conda_bin", "conda")
	v.SetDefault("provision.python_bin", "python3")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: envPrefix + "DATA_DIR", Path: "data_dir"},
		{Name: envPrefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: envPrefix + "POLL_INTERVAL", Path: "supervisor.poll_interval"},
		{Name: envPrefix + "GRACE_WINDOW", Path: "supervisor.grace_window"},
		{Name: envPrefix + "SAMPLE_INTERVAL", Path: "supervisor.sample_interval"},
		{Name: envPrefix + "STALL_THRESHOLD", Path: "supervisor.stall_threshold"},
		{Name: envPrefix + "TERMINATE_TIMEOUT", Path: "supervisor.terminate_timeout"},
		{Name: envPrefix + "BACKEND", Path: "provision.backend"},
		{Name: envPrefix + "CONDA_BIN", Path: "provision.conda_bin"},
		{Name: envPrefix + "PYTHON_BIN", Path: "provision.python_bin"},
		{Name: envPrefix + "HOST", Path: "server.host"},
		{Name: envPrefix + "PORT", Path: "server.port"},
	}
}

// getUserConfigPaths lists candidate config files in discovery order.
func getUserConfigPaths() []string {
	var paths []string
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		paths = append(paths, p)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, AppName, "config.yaml"),
			filepath.Join(dir, AppName, "config.yml"),
		)
	}
	return paths
}

// Load builds the configuration and stores it for GetConfig. Each override
// map is nested like the config file ({"server": {"port": 9000}}).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	configMu.RLock()
	pinned := configFile
	configMu.RUnlock()

	if pinned != "" {
		v.SetConfigFile(pinned)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", pinned, err)
		}
	} else {
		for _, p := range getUserConfigPaths() {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", p, err)
			}
			break
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// Validate rejects values the rest of the tool cannot run with.
func (c *Config) Validate() error {
	switch c.Provision.Backend {
	case "conda", "venv":
	default:
		return fmt.Errorf("provision.backend must be conda or venv, got %q", c.Provision.Backend)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	durations := map[string]time.Duration{
		"supervisor.poll_interval":     c.Supervisor.PollInterval,
		"supervisor.grace_window":      c.Supervisor.GraceWindow,
		"supervisor.sample_interval":   c.Supervisor.SampleInterval,
		"supervisor.stall_threshold":   c.Supervisor.StallThreshold,
		"supervisor.terminate_timeout": c.Supervisor.TerminateTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
