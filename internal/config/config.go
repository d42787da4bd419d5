// Package config loads launcher settings from an optional TOML file with
// LNLAUNCHER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lnfi-network/lnlauncher/internal/logger"
	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/port"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

// EnvPrefix prefixes environment overrides, e.g. LNLAUNCHER_BACKEND_BASE_PORT.
const EnvPrefix = "LNLAUNCHER"

type Config struct {
	App      AppConfig      `toml:"app" mapstructure:"app"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Daemons  DaemonsConfig  `toml:"daemons" mapstructure:"daemons"`
	Registry RegistryConfig `toml:"registry" mapstructure:"registry"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Control  ControlConfig  `toml:"control" mapstructure:"control"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Shell    ShellConfig    `toml:"shell" mapstructure:"shell"`
}

type AppConfig struct {
	Name         string `toml:"name" mapstructure:"name"`
	Mode         string `toml:"mode" mapstructure:"mode"` // auto|installed|development
	ResourcesDir string `toml:"resources_dir" mapstructure:"resources_dir"`
	SourceRoot   string `toml:"source_root" mapstructure:"source_root"`
	DataDir      string `toml:"data_dir" mapstructure:"data_dir"`
}

type BackendConfig struct {
	Entry          string        `toml:"entry" mapstructure:"entry"`
	Interpreter    string        `toml:"interpreter" mapstructure:"interpreter"`
	BasePort       int           `toml:"base_port" mapstructure:"base_port"`
	ReadyTimeout   time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	DiscoveryDelay time.Duration `toml:"discovery_delay" mapstructure:"discovery_delay"`
	HealthTimeout  time.Duration `toml:"health_timeout" mapstructure:"health_timeout"`
	InstallDeps    bool          `toml:"install_deps" mapstructure:"install_deps"`
	InstallCommand []string      `toml:"install_command" mapstructure:"install_command"`
	Owner          string        `toml:"owner" mapstructure:"owner"`
	Network        string        `toml:"network" mapstructure:"network"`
	Env            []string      `toml:"env" mapstructure:"env"`
	EnvFile        string        `toml:"env_file" mapstructure:"env_file"`
}

type DaemonConfig struct {
	Executable string   `toml:"executable" mapstructure:"executable"`
	Pattern    string   `toml:"pattern" mapstructure:"pattern"`
	Triggers   []string `toml:"triggers" mapstructure:"triggers"`
}

type DaemonsConfig struct {
	Primary   DaemonConfig `toml:"primary" mapstructure:"primary"`
	Secondary DaemonConfig `toml:"secondary" mapstructure:"secondary"`
}

type RegistryConfig struct {
	KillGrace       time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
	ScanInterval    time.Duration `toml:"scan_interval" mapstructure:"scan_interval"`
	FinalSweepDelay time.Duration `toml:"final_sweep_delay" mapstructure:"final_sweep_delay"`
	ExitDelay       time.Duration `toml:"exit_delay" mapstructure:"exit_delay"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ControlConfig struct {
	// Listen is the loopback address of the control API; empty disables it.
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	// DSN of the sqlite history database; empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ShellConfig struct {
	OpenBrowser bool `toml:"open_browser" mapstructure:"open_browser"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Lnfi-Node")
	v.SetDefault("app.mode", "auto")
	v.SetDefault("app.resources_dir", "")
	v.SetDefault("app.source_root", "")
	v.SetDefault("app.data_dir", "")

	v.SetDefault("backend.entry", paths.BackendEntry)
	v.SetDefault("backend.interpreter", "node")
	v.SetDefault("backend.base_port", port.DefaultBase)
	v.SetDefault("backend.ready_timeout", "5s")
	v.SetDefault("backend.discovery_delay", "2s")
	v.SetDefault("backend.health_timeout", "3s")
	v.SetDefault("backend.install_deps", true)
	v.SetDefault("backend.install_command", []string{"npm", "install"})
	v.SetDefault("backend.owner", "")
	v.SetDefault("backend.network", "regtest")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_file", ".env.local")

	d := registry.DefaultDaemons()
	v.SetDefault("daemons.primary.executable", d[registry.RolePrimary].Executable)
	v.SetDefault("daemons.primary.pattern", d[registry.RolePrimary].Pattern.String())
	v.SetDefault("daemons.primary.triggers", []string{"starting litd", "[litd]"})
	v.SetDefault("daemons.secondary.executable", d[registry.RoleSecondary].Executable)
	v.SetDefault("daemons.secondary.pattern", d[registry.RoleSecondary].Pattern.String())
	v.SetDefault("daemons.secondary.triggers", []string{"starting rgb", "[rgb]", "rgb-lightning-node"})

	v.SetDefault("registry.kill_grace", "2s")
	v.SetDefault("registry.scan_interval", "10s")
	v.SetDefault("registry.final_sweep_delay", "2s")
	v.SetDefault("registry.exit_delay", "3s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("control.listen", "127.0.0.1:18091")
	v.SetDefault("history.dsn", "")
	v.SetDefault("shell.open_browser", false)
}

// Load reads path (may be empty) and applies environment overrides on top of
// the defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static and valid
		panic(err)
	}
	return c
}

// Validate rejects settings the launcher cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.App.Mode {
	case "", "auto", string(paths.ModeInstalled), string(paths.ModeDevelopment):
	default:
		errs = append(errs, fmt.Errorf("app.mode: unknown mode %q", c.App.Mode))
	}
	if c.Backend.BasePort <= 0 || c.Backend.BasePort > port.MaxPort {
		errs = append(errs, fmt.Errorf("backend.base_port: %d out of range", c.Backend.BasePort))
	}
	for name, d := range map[string]time.Duration{
		"backend.ready_timeout":  c.Backend.ReadyTimeout,
		"backend.health_timeout": c.Backend.HealthTimeout,
		"registry.kill_grace":    c.Registry.KillGrace,
		"registry.scan_interval": c.Registry.ScanInterval,
		"registry.exit_delay":    c.Registry.ExitDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.Backend.DiscoveryDelay < 0 || c.Registry.FinalSweepDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if c.Backend.InstallDeps && len(c.Backend.InstallCommand) == 0 {
		errs = append(errs, errors.New("backend.install_command: required when install_deps is set"))
	}
	for name, d := range map[string]DaemonConfig{"primary": c.Daemons.Primary, "secondary": c.Daemons.Secondary} {
		if d.Executable == "" {
			errs = append(errs, fmt.Errorf("daemons.%s.executable: required", name))
		}
		if _, err := regexp.Compile(d.Pattern); err != nil || d.Pattern == "" {
			errs = append(errs, fmt.Errorf("daemons.%s.pattern: invalid %q", name, d.Pattern))
		}
	}
	if c.Control.Listen != "" {
		if err := checkLoopback(c.Control.Listen); err != nil {
			errs = append(errs, fmt.Errorf("control.listen: %w", err))
		}
	}
	return errors.Join(errs...)
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%s is not a loopback address", addr)
	}
	return nil
}

// PathOptions maps the app section onto path resolution inputs.
func (c *Config) PathOptions() paths.Options {
	mode := paths.Mode(c.App.Mode)
	if c.App.Mode == "" || c.App.Mode == "auto" {
		mode = paths.DetectMode(c.App.SourceRoot, c.Backend.Entry)
	}
	return paths.Options{
		Mode:         mode,
		AppName:      c.App.Name,
		EntryFile:    c.Backend.Entry,
		ResourcesDir: c.App.ResourcesDir,
		SourceRoot:   c.App.SourceRoot,
		DataDir:      c.App.DataDir,
	}
}

// DaemonDefs returns the compiled daemon definitions. Validate must have
// passed.
func (c *Config) DaemonDefs() map[registry.Role]registry.Daemon {
	return map[registry.Role]registry.Daemon{
		registry.RolePrimary: {
			Executable: c.Daemons.Primary.Executable,
			Pattern:    regexp.MustCompile(c.Daemons.Primary.Pattern),
		},
		registry.RoleSecondary: {
			Executable: c.Daemons.Secondary.Executable,
			Pattern:    regexp.MustCompile(c.Daemons.Secondary.Pattern),
		},
	}
}

// Triggers returns the backend output substrings announcing each daemon.
func (c *Config) Triggers() map[registry.Role][]string {
	return map[registry.Role][]string{
		registry.RolePrimary:   c.Daemons.Primary.Triggers,
		registry.RoleSecondary: c.Daemons.Secondary.Triggers,
	}
}

// LoggerConfig maps the log section onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
