package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/kbridge/internal/kernel"
)

// KernelEntry declares a kernel the bridge may connect to, either inline or
// through a connection file written by the process manager.
type KernelEntry struct {
	ID             string `yaml:"id"`
	ConnectionFile string `yaml:"connection_file,omitempty"`
	kernel.ConnInfo `yaml:",inline"`
}

// BridgeConfig holds configuration for the kbridge server.
type BridgeConfig struct {
	Port              int           `yaml:"port"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	APIKey            string        `yaml:"api_key"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ConfigFile        string        `yaml:"-"`
	LogLevel          string        `yaml:"log_level"`
	LogJSON           bool          `yaml:"log_json"`
	RedisAddr         string        `yaml:"redis_addr"`
	KernelDir         string        `yaml:"kernel_dir"`
	Kernels           []KernelEntry `yaml:"kernels"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.KernelDir == "" {
		home, _ := os.UserHomeDir()
		c.KernelDir = DefaultKernelDir(runtime.GOOS, home)
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_JSON", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LogJSON = b
		}
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("KERNEL_DIR", ""); v != "" {
		c.KernelDir = v
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("HEARTBEAT_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := GetEnv("DIAL_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DialTimeout = d
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "emit structured JSON logs instead of console output")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for client connections")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required on /api routes; leave empty to disable")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis URL of the kernel directory written by the process manager")
	fs.StringVar(&c.KernelDir, "kernel-dir", c.KernelDir, "directory scanned for kernel-*.json connection files")
	fs.Func("request-timeout", "timeout in seconds for one-shot evaluations", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for open bridge sessions on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "kernel heartbeat interval")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "time allowed to establish the kernel channels")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "per-session outbound event buffer")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ConfigPathFromArgs returns the value of --config when present in args.
func ConfigPathFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			return args[i+1], true
		}
		for _, p := range []string{"--config=", "-config="} {
			if strings.HasPrefix(a, p) {
				return strings.TrimPrefix(a, p), true
			}
		}
	}
	return "", false
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
