// Package procconf defines the declarative process configuration and the
// TOML configuration file loader.
package procconf

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/pm3/pm3/internal/common/errors"
)

// Defaults applied when the corresponding config key is absent.
const (
	DefaultKillTimeoutMs = 5000
	DefaultKillSignal    = "SIGTERM"
	DefaultMaxRestarts   = 15
	DefaultMinUptimeMs   = 1000
)

// RestartPolicy selects when an exited process is respawned automatically.
type RestartPolicy string

const (
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
	RestartNever     RestartPolicy = "never"
)

// EnvFiles is one or many env file paths. It accepts either a single string
// or a list of strings on the wire.
type EnvFiles []string

// UnmarshalJSON accepts "path" or ["path", ...].
func (e *EnvFiles) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = EnvFiles{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("env_file must be a string or a list of strings")
	}
	*e = EnvFiles(many)
	return nil
}

// MarshalJSON emits a single string when there is exactly one path.
func (e EnvFiles) MarshalJSON() ([]byte, error) {
	if len(e) == 1 {
		return json.Marshal(e[0])
	}
	return json.Marshal([]string(e))
}

// Watch is either a boolean toggle or an explicit path to watch.
type Watch struct {
	Enabled *bool
	Path    string
}

// UnmarshalJSON accepts true/false or "path".
func (w *Watch) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		w.Enabled = &b
		w.Path = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("watch must be a boolean or a path string")
	}
	w.Enabled = nil
	w.Path = s
	return nil
}

// MarshalJSON emits the boolean form when no path is set.
func (w Watch) MarshalJSON() ([]byte, error) {
	if w.Enabled != nil {
		return json.Marshal(*w.Enabled)
	}
	return json.Marshal(w.Path)
}

// ProcessConfig is the declarative description of one supervised process.
// Field names match the TOML config file and the wire protocol.
type ProcessConfig struct {
	Command          string                       `json:"command"`
	Cwd              string                       `json:"cwd,omitempty"`
	Env              map[string]string            `json:"env,omitempty"`
	EnvFile          EnvFiles                     `json:"env_file,omitempty"`
	ReadinessCheck   string                       `json:"readiness_check,omitempty"`
	ReadinessTimeout *uint64                      `json:"readiness_timeout,omitempty"`
	HealthCheck      string                       `json:"health_check,omitempty"`
	KillTimeout      *uint64                      `json:"kill_timeout,omitempty"`
	KillSignal       string                       `json:"kill_signal,omitempty"`
	MaxRestarts      *uint32                      `json:"max_restarts,omitempty"`
	MaxMemory        string                       `json:"max_memory,omitempty"`
	MinUptime        *uint64                      `json:"min_uptime,omitempty"`
	StopExitCodes    []int                        `json:"stop_exit_codes,omitempty"`
	Watch            *Watch                       `json:"watch,omitempty"`
	WatchIgnore      []string                     `json:"watch_ignore,omitempty"`
	DependsOn        []string                     `json:"depends_on,omitempty"`
	Restart          RestartPolicy                `json:"restart,omitempty"`
	Group            string                       `json:"group,omitempty"`
	PreStart         string                       `json:"pre_start,omitempty"`
	PostStop         string                       `json:"post_stop,omitempty"`
	CronRestart      string                       `json:"cron_restart,omitempty"`
	LogDateFormat    string                       `json:"log_date_format,omitempty"`
	Environments     map[string]map[string]string `json:"environments,omitempty"`
}

// knownKeys lists every key accepted inside a process table. Subtables of
// the form env_<name> map to Environments and are handled separately.
var knownKeys = map[string]bool{
	"command": true, "cwd": true, "env": true, "env_file": true,
	"readiness_check": true, "readiness_timeout": true, "health_check": true,
	"kill_timeout": true, "kill_signal": true, "max_restarts": true,
	"max_memory": true, "min_uptime": true, "stop_exit_codes": true,
	"watch": true, "watch_ignore": true, "depends_on": true, "restart": true,
	"group": true, "pre_start": true, "post_stop": true, "cron_restart": true,
	"log_date_format": true,
}

// KillTimeoutMs returns kill_timeout or its default.
func (c *ProcessConfig) KillTimeoutMs() uint64 {
	if c.KillTimeout != nil {
		return *c.KillTimeout
	}
	return DefaultKillTimeoutMs
}

// KillSignalName returns kill_signal or its default.
func (c *ProcessConfig) KillSignalName() string {
	if c.KillSignal != "" {
		return c.KillSignal
	}
	return DefaultKillSignal
}

// MaxRestartCount returns max_restarts or its default.
func (c *ProcessConfig) MaxRestartCount() uint32 {
	if c.MaxRestarts != nil {
		return *c.MaxRestarts
	}
	return DefaultMaxRestarts
}

// MinUptimeMs returns min_uptime or its default.
func (c *ProcessConfig) MinUptimeMs() uint64 {
	if c.MinUptime != nil {
		return *c.MinUptime
	}
	return DefaultMinUptimeMs
}

// RestartMode returns the restart policy, defaulting to on_failure.
func (c *ProcessConfig) RestartMode() RestartPolicy {
	if c.Restart == "" {
		return RestartOnFailure
	}
	return c.Restart
}

// HasStartupCheck reports whether a readiness or health check is configured.
func (c *ProcessConfig) HasStartupCheck() bool {
	return c.ReadinessCheck != "" || c.HealthCheck != ""
}

// ApplyEnvironment merges a named environment overlay into Env.
// Returns true if the environment exists and was applied.
func (c *ProcessConfig) ApplyEnvironment(envName string) bool {
	overlay, ok := c.Environments[envName]
	if !ok {
		return false
	}
	if c.Env == nil {
		c.Env = make(map[string]string, len(overlay))
	}
	for k, v := range overlay {
		c.Env[k] = v
	}
	return true
}

// Clone returns a deep copy of the config. Records hold an immutable
// snapshot, so mutation of the source must not leak into the table.
func (c *ProcessConfig) Clone() ProcessConfig {
	out := *c
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	out.EnvFile = append(EnvFiles(nil), c.EnvFile...)
	out.StopExitCodes = append([]int(nil), c.StopExitCodes...)
	out.WatchIgnore = append([]string(nil), c.WatchIgnore...)
	out.DependsOn = append([]string(nil), c.DependsOn...)
	if c.Watch != nil {
		w := *c.Watch
		out.Watch = &w
	}
	if c.Environments != nil {
		out.Environments = make(map[string]map[string]string, len(c.Environments))
		for name, vars := range c.Environments {
			m := make(map[string]string, len(vars))
			for k, v := range vars {
				m[k] = v
			}
			out.Environments[name] = m
		}
	}
	return out
}

// LoadFile reads and parses a TOML configuration file.
func LoadFile(path string) (map[string]ProcessConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "%s: %v", path, err)
	}
	return Parse(content)
}

// Parse parses TOML content into per-process configurations. Each top-level
// table maps to one process; subtables named env_<name> become entries in
// Environments. Unknown keys and empty files are rejected.
func Parse(content []byte) (map[string]ProcessConfig, error) {
	var table map[string]any
	if err := toml.Unmarshal(content, &table); err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "TOML parse error: %v", err)
	}

	if len(table) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "config file is empty")
	}

	configs := make(map[string]ProcessConfig, len(table))

	for name, value := range table {
		raw, ok := value.(map[string]any)
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
				"process `%s` must be a table", name)
		}

		environments := make(map[string]map[string]string)
		fields := make(map[string]any, len(raw))

		for key, val := range raw {
			if envName, found := cutPrefix(key, "env_"); found && !knownKeys[key] {
				envMap, err := toStringMap(val)
				if err != nil {
					return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
						"invalid environment `%s` in process `%s`: %v", key, name, err)
				}
				environments[envName] = envMap
				continue
			}
			if !knownKeys[key] {
				return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
					"unknown field `%s` in process `%s`", key, name)
			}
			fields[key] = val
		}

		cfg, err := decodeProcess(fields)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
				"process `%s`: %v", name, err)
		}
		if cfg.Command == "" {
			return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
				"process `%s`: missing required field `command`", name)
		}
		if len(environments) > 0 {
			cfg.Environments = environments
		}
		configs[name] = cfg
	}

	return configs, nil
}

// decodeProcess converts the generic field map into a typed ProcessConfig.
// The JSON round-trip reuses the wire-format unmarshalers (string-or-list
// env_file, bool-or-path watch).
func decodeProcess(fields map[string]any) (ProcessConfig, error) {
	var cfg ProcessConfig
	data, err := json.Marshal(fields)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func toStringMap(val any) (map[string]string, error) {
	raw, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a table of string values")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value of `%s` must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}
