package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding settings keys,
// e.g. RCVISOR_DAEMONS_DIR or RCVISOR_LOG_MAX_SIZE_MB.
const EnvPrefix = "RCVISOR"

// DefaultConfigFile is read when no explicit path is given and the file exists.
const DefaultConfigFile = "/etc/rcvisor.toml"

// Settings is the top-level TOML structure shared by all command line tools.
type Settings struct {
	InitDir     string `toml:"init_dir" mapstructure:"init_dir"`         // service scripts
	RunlevelDir string `toml:"runlevel_dir" mapstructure:"runlevel_dir"` // one directory per runlevel
	SvcDir      string `toml:"svc_dir" mapstructure:"svc_dir"`           // volatile state
	DaemonsDir  string `toml:"daemons_dir" mapstructure:"daemons_dir"`   // control channel FIFOs

	AttrDSN       string `toml:"attr_dsn" mapstructure:"attr_dsn"`             // attribute store backend
	HistoryDSN    string `toml:"history_dsn" mapstructure:"history_dsn"`       // optional lifecycle history sink
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"` // e.g. 127.0.0.1:9101

	// HealthcheckCommand is run by supervisors for services started with a
	// health-check timer. "{service}" and "{script}" are substituted.
	HealthcheckCommand string `toml:"healthcheck_command" mapstructure:"healthcheck_command"`
	// DeptreeCommand forces a dependency tree update (rc-update -u).
	DeptreeCommand string `toml:"deptree_command" mapstructure:"deptree_command"`

	Env      []string  `toml:"env" mapstructure:"env"`
	EnvFiles []string  `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool      `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      LogConfig `toml:"log" mapstructure:"log"`

	UserMode bool `toml:"-" mapstructure:"-"`
}

// LogConfig holds rotation defaults for supervised child output files.
type LogConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `toml:"compress" mapstructure:"compress"`
}

// Load reads settings from path (or the default location when path is empty
// and the file exists), applies RCVISOR_* environment overrides and fills
// path defaults for system or user mode.
func Load(path string, userMode bool) (Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, userMode)

	if path == "" {
		path = defaultConfigPath(userMode)
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	s.UserMode = userMode
	if s.DaemonsDir == "" {
		s.DaemonsDir = filepath.Join(s.SvcDir, "daemons")
	}
	if s.AttrDSN == "" {
		s.AttrDSN = "file://" + filepath.Join(s.SvcDir, "options")
	}
	if s.InitDir == "" || s.RunlevelDir == "" || s.SvcDir == "" {
		return Settings{}, errors.New("init_dir, runlevel_dir and svc_dir must not be empty")
	}
	return s, nil
}

func setDefaults(v *viper.Viper, userMode bool) {
	p := defaultPaths(userMode)
	v.SetDefault("init_dir", p.init)
	v.SetDefault("runlevel_dir", p.runlevels)
	v.SetDefault("svc_dir", p.svc)
	v.SetDefault("daemons_dir", "")
	v.SetDefault("attr_dsn", "")
	v.SetDefault("history_dsn", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("healthcheck_command", "{script} healthcheck")
	v.SetDefault("deptree_command", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
}

type paths struct{ init, runlevels, svc string }

func defaultPaths(userMode bool) paths {
	if !userMode {
		return paths{init: "/etc/init.d", runlevels: "/etc/runlevels", svc: "/run/rcvisor"}
	}
	cfg := userConfigDir()
	run := os.Getenv("XDG_RUNTIME_DIR")
	if run == "" {
		run = filepath.Join(os.TempDir(), fmt.Sprintf("rcvisor-%d", os.Getuid()))
	}
	return paths{
		init:      filepath.Join(cfg, "rc", "init.d"),
		runlevels: filepath.Join(cfg, "rc", "runlevels"),
		svc:       filepath.Join(run, "rcvisor"),
	}
}

func defaultConfigPath(userMode bool) string {
	if userMode {
		return filepath.Join(userConfigDir(), "rcvisor", "rcvisor.toml")
	}
	return DefaultConfigFile
}

func userConfigDir() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// GlobalEnv merges the configured environment: OS env (when enabled) provides
// the base, env_files are applied in order, then the top-level env list.
func (s Settings) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if s.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range s.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range s.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
