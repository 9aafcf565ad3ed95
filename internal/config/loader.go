package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults when the corresponding field is unset.
const (
	DefaultStoreDir           = "~/models/artifacts"
	DefaultRuntimeURL         = "http://127.0.0.1:11434"
	DefaultRegisterTimeoutSec = 60
	DefaultConnectTimeoutSec  = 5
	DefaultLockStaleSec       = 600
	DefaultLockWaitSec        = 120
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "auto"
	DefaultCrashDir           = "~/models/logs"
)

// Toolchain names the external programs the pipelines drive.
type Toolchain struct {
	Python        string `json:"python" yaml:"python" toml:"python"`
	ConvertScript string `json:"convert_script" yaml:"convert_script" toml:"convert_script"`
	QuantizeBin   string `json:"quantize_bin" yaml:"quantize_bin" toml:"quantize_bin"`
	TrainScript   string `json:"train_script" yaml:"train_script" toml:"train_script"`
}

// Operator identifies who runs transformations; it ends up in every ledger record.
type Operator struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Organization string `json:"organization" yaml:"organization" toml:"organization"`
	Role         string `json:"role" yaml:"role" toml:"role"`
}

// Config holds tool parameters.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	StoreDir           string    `json:"store_dir" yaml:"store_dir" toml:"store_dir"`
	RuntimeURL         string    `json:"runtime_url" yaml:"runtime_url" toml:"runtime_url"`
	RegisterTimeoutSec int       `json:"register_timeout_sec" yaml:"register_timeout_sec" toml:"register_timeout_sec"`
	ConnectTimeoutSec  int       `json:"connect_timeout_sec" yaml:"connect_timeout_sec" toml:"connect_timeout_sec"`
	LockStaleSec       int       `json:"lock_stale_sec" yaml:"lock_stale_sec" toml:"lock_stale_sec"`
	LockWaitSec        int       `json:"lock_wait_sec" yaml:"lock_wait_sec" toml:"lock_wait_sec"`
	LogLevel           string    `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat          string    `json:"log_format" yaml:"log_format" toml:"log_format"`
	MetricsTextfile    string    `json:"metrics_textfile" yaml:"metrics_textfile" toml:"metrics_textfile"`
	CrashDir           string    `json:"crash_dir" yaml:"crash_dir" toml:"crash_dir"`
	Toolchain          Toolchain `json:"toolchain" yaml:"toolchain" toml:"toolchain"`
	Operator           Operator  `json:"operator" yaml:"operator" toml:"operator"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.StoreDir == "" {
		c.StoreDir = DefaultStoreDir
	}
	if c.RuntimeURL == "" {
		c.RuntimeURL = DefaultRuntimeURL
	}
	if c.RegisterTimeoutSec <= 0 {
		c.RegisterTimeoutSec = DefaultRegisterTimeoutSec
	}
	if c.ConnectTimeoutSec <= 0 {
		c.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if c.LockStaleSec <= 0 {
		c.LockStaleSec = DefaultLockStaleSec
	}
	if c.LockWaitSec <= 0 {
		c.LockWaitSec = DefaultLockWaitSec
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.CrashDir == "" {
		c.CrashDir = DefaultCrashDir
	}
	if c.Toolchain.Python == "" {
		c.Toolchain.Python = "python3"
	}
	if c.Toolchain.ConvertScript == "" {
		c.Toolchain.ConvertScript = "convert_hf_to_gguf.py"
	}
	if c.Toolchain.QuantizeBin == "" {
		c.Toolchain.QuantizeBin = "llama-quantize"
	}
	if c.Toolchain.TrainScript == "" {
		c.Toolchain.TrainScript = "finetune_lora.py"
	}
	if c.Operator.Name == "" {
		c.Operator.Name = "Unknown Developer"
	}
	if c.Operator.Organization == "" {
		c.Operator.Organization = "Unknown Organization"
	}
	if c.Operator.Role == "" {
		c.Operator.Role = "Unknown Role"
	}
	return c
}

// ApplyEnv overlays MODELFORGE_* variables (and the operator variables shared
// with the training scripts) onto c. Unset or malformed values are ignored.
func ApplyEnv(c *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("MODELFORGE_STORE_DIR", &c.StoreDir)
	str("OLLAMA_HOST", &c.RuntimeURL)
	str("MODELFORGE_RUNTIME_URL", &c.RuntimeURL)
	num("MODELFORGE_REGISTER_TIMEOUT_SEC", &c.RegisterTimeoutSec)
	num("MODELFORGE_CONNECT_TIMEOUT_SEC", &c.ConnectTimeoutSec)
	num("MODELFORGE_LOCK_STALE_SEC", &c.LockStaleSec)
	num("MODELFORGE_LOCK_WAIT_SEC", &c.LockWaitSec)
	str("MODELFORGE_LOG_LEVEL", &c.LogLevel)
	str("MODELFORGE_LOG_FORMAT", &c.LogFormat)
	str("MODELFORGE_METRICS_TEXTFILE", &c.MetricsTextfile)
	str("MODELFORGE_CRASH_DIR", &c.CrashDir)
	str("MODELFORGE_PYTHON", &c.Toolchain.Python)
	str("MODELFORGE_CONVERT_SCRIPT", &c.Toolchain.ConvertScript)
	str("MODELFORGE_QUANTIZE_BIN", &c.Toolchain.QuantizeBin)
	str("MODELFORGE_TRAIN_SCRIPT", &c.Toolchain.TrainScript)
	str("DEVELOPER_NAME", &c.Operator.Name)
	str("ORGANIZATION", &c.Operator.Organization)
	str("ROLE", &c.Operator.Role)
}

// RuntimeBaseURL normalizes RuntimeURL; OLLAMA_HOST style values such as
// "0.0.0.0:11434" get an http scheme.
func (c Config) RuntimeBaseURL() string {
	u := strings.TrimRight(strings.TrimSpace(c.RuntimeURL), "/")
	if u == "" {
		return DefaultRuntimeURL
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}

func (c Config) RegisterTimeout() time.Duration {
	return time.Duration(c.RegisterTimeoutSec) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

func (c Config) LockStale() time.Duration { return time.Duration(c.LockStaleSec) * time.Second }
func (c Config) LockWait() time.Duration  { return time.Duration(c.LockWaitSec) * time.Second }
