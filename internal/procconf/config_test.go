package procconf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pm3/pm3/internal/common/errors"
)

func TestParseFullProcessTable(t *testing.T) {
	input := `
[web]
command = "node server.js"
cwd = "/app"
env = { NODE_ENV = "production", PORT = "3000" }
env_file = ".env"
health_check = "http://localhost:3000/health"
kill_timeout = 5000
kill_signal = "SIGTERM"
max_restarts = 10
max_memory = "512M"
min_uptime = 1000
stop_exit_codes = [0, 143]
watch = true
watch_ignore = ["node_modules", ".git"]
depends_on = ["db"]
restart = "on_failure"
group = "backend"
pre_start = "npm run migrate"
post_stop = "echo stopped"
cron_restart = "0 3 * * *"
log_date_format = "%Y-%m-%d %H:%M:%S"

[web.env_production]
DATABASE_URL = "postgres://prod/db"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)
	require.Len(t, configs, 1)

	web := configs["web"]
	assert.Equal(t, "node server.js", web.Command)
	assert.Equal(t, "/app", web.Cwd)
	assert.Equal(t, "production", web.Env["NODE_ENV"])
	assert.Equal(t, EnvFiles{".env"}, web.EnvFile)
	assert.Equal(t, "http://localhost:3000/health", web.HealthCheck)
	assert.Equal(t, uint64(5000), *web.KillTimeout)
	assert.Equal(t, "SIGTERM", web.KillSignal)
	assert.Equal(t, uint32(10), *web.MaxRestarts)
	assert.Equal(t, "512M", web.MaxMemory)
	assert.Equal(t, uint64(1000), *web.MinUptime)
	assert.Equal(t, []int{0, 143}, web.StopExitCodes)
	require.NotNil(t, web.Watch)
	require.NotNil(t, web.Watch.Enabled)
	assert.True(t, *web.Watch.Enabled)
	assert.Equal(t, []string{"node_modules", ".git"}, web.WatchIgnore)
	assert.Equal(t, []string{"db"}, web.DependsOn)
	assert.Equal(t, RestartOnFailure, web.Restart)
	assert.Equal(t, "backend", web.Group)
	assert.Equal(t, "npm run migrate", web.PreStart)
	assert.Equal(t, "echo stopped", web.PostStop)
	assert.Equal(t, "0 3 * * *", web.CronRestart)
	assert.Equal(t, "%Y-%m-%d %H:%M:%S", web.LogDateFormat)
	assert.Equal(t, "postgres://prod/db", web.Environments["production"]["DATABASE_URL"])
}

func TestParseMissingCommand(t *testing.T) {
	input := `
[web]
cwd = "/app"
`
	_, err := Parse([]byte(input))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfigInvalid, apperrors.Code(err))
}

func TestParseUnknownField(t *testing.T) {
	input := `
[web]
command = "node server.js"
bogus_field = "x"
`
	_, err := Parse([]byte(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus_field")
}

func TestParseEmptyFile(t *testing.T) {
	_, err := Parse([]byte(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestParseOptionalFieldsDefault(t *testing.T) {
	input := `
[api]
command = "cargo run"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)

	api := configs["api"]
	assert.Equal(t, "cargo run", api.Command)
	assert.Empty(t, api.Cwd)
	assert.Nil(t, api.Env)
	assert.Empty(t, api.EnvFile)
	assert.Empty(t, api.HealthCheck)
	assert.Nil(t, api.KillTimeout)
	assert.Nil(t, api.Watch)
	assert.Empty(t, api.Environments)

	assert.Equal(t, uint64(DefaultKillTimeoutMs), api.KillTimeoutMs())
	assert.Equal(t, DefaultKillSignal, api.KillSignalName())
	assert.Equal(t, uint32(DefaultMaxRestarts), api.MaxRestartCount())
	assert.Equal(t, uint64(DefaultMinUptimeMs), api.MinUptimeMs())
	assert.Equal(t, RestartOnFailure, api.RestartMode())
}

func TestParseMultipleSections(t *testing.T) {
	input := `
[web]
command = "node server.js"

[api]
command = "cargo run"

[worker]
command = "python worker.py"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Len(t, configs, 3)
	assert.Equal(t, "node server.js", configs["web"].Command)
	assert.Equal(t, "cargo run", configs["api"].Command)
	assert.Equal(t, "python worker.py", configs["worker"].Command)
}

func TestParseEnvFileStringAndArray(t *testing.T) {
	single := `
[web]
command = "node server.js"
env_file = ".env"
`
	configs, err := Parse([]byte(single))
	require.NoError(t, err)
	assert.Equal(t, EnvFiles{".env"}, configs["web"].EnvFile)

	multi := `
[web]
command = "node server.js"
env_file = [".env", ".env.local"]
`
	configs, err = Parse([]byte(multi))
	require.NoError(t, err)
	assert.Equal(t, EnvFiles{".env", ".env.local"}, configs["web"].EnvFile)
}

func TestParseWatchBoolAndString(t *testing.T) {
	boolInput := `
[web]
command = "node server.js"
watch = true
`
	configs, err := Parse([]byte(boolInput))
	require.NoError(t, err)
	require.NotNil(t, configs["web"].Watch.Enabled)
	assert.True(t, *configs["web"].Watch.Enabled)

	pathInput := `
[web]
command = "node server.js"
watch = "./src"
`
	configs, err = Parse([]byte(pathInput))
	require.NoError(t, err)
	assert.Nil(t, configs["web"].Watch.Enabled)
	assert.Equal(t, "./src", configs["web"].Watch.Path)
}

func TestParseRestartPolicyVariants(t *testing.T) {
	input := `
[a]
command = "a"
restart = "on_failure"

[b]
command = "b"
restart = "always"

[c]
command = "c"
restart = "never"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, RestartOnFailure, configs["a"].Restart)
	assert.Equal(t, RestartAlways, configs["b"].Restart)
	assert.Equal(t, RestartNever, configs["c"].Restart)
}

func TestParseEnvironmentSections(t *testing.T) {
	input := `
[web]
command = "node server.js"

[web.env_production]
DATABASE_URL = "postgres://prod/db"
API_KEY = "prod-key"

[web.env_staging]
DATABASE_URL = "postgres://staging/db"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)

	web := configs["web"]
	require.Len(t, web.Environments, 2)
	assert.Equal(t, "postgres://prod/db", web.Environments["production"]["DATABASE_URL"])
	assert.Equal(t, "prod-key", web.Environments["production"]["API_KEY"])
	assert.Equal(t, "postgres://staging/db", web.Environments["staging"]["DATABASE_URL"])
}

func TestApplyEnvironmentMerges(t *testing.T) {
	input := `
[web]
command = "node server.js"
env = { A = "1" }

[web.env_prod]
A = "2"
B = "3"
`
	configs, err := Parse([]byte(input))
	require.NoError(t, err)

	web := configs["web"]
	assert.True(t, web.ApplyEnvironment("prod"))
	assert.Equal(t, "2", web.Env["A"])
	assert.Equal(t, "3", web.Env["B"])
	assert.False(t, web.ApplyEnvironment("missing"))
}

func TestLoadEnvFilesRelativeToCwd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FOO=bar\n"), 0644))

	cfg := ProcessConfig{
		Command: "echo hi",
		Cwd:     dir,
		EnvFile: EnvFiles{".env"},
	}
	vars, err := cfg.LoadEnvFiles()
	require.NoError(t, err)
	assert.Equal(t, "bar", vars["FOO"])
}

func TestLoadEnvFilesMissingFile(t *testing.T) {
	cfg := ProcessConfig{
		Command: "echo hi",
		EnvFile: EnvFiles{"/nonexistent/.env"},
	}
	_, err := cfg.LoadEnvFiles()
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEnvFile, apperrors.Code(err))
}

func TestLoadEnvFilesLaterOverridesEarlier(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("A=1\nB=2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("B=3\n"), 0644))

	cfg := ProcessConfig{
		Command: "echo hi",
		Cwd:     dir,
		EnvFile: EnvFiles{".env", ".env.local"},
	}
	vars, err := cfg.LoadEnvFiles()
	require.NoError(t, err)
	assert.Equal(t, "1", vars["A"])
	assert.Equal(t, "3", vars["B"])
}

func TestConfigJSONRoundTrip(t *testing.T) {
	enabled := true
	timeout := uint64(2500)
	cfg := ProcessConfig{
		Command:     "sleep 999",
		EnvFile:     EnvFiles{".env"},
		Watch:       &Watch{Enabled: &enabled},
		KillTimeout: &timeout,
		DependsOn:   []string{"db"},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	// Single env file serializes as a bare string, watch as a bool.
	assert.Contains(t, string(data), `"env_file":".env"`)
	assert.Contains(t, string(data), `"watch":true`)

	var back ProcessConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg.Command, back.Command)
	assert.Equal(t, cfg.EnvFile, back.EnvFile)
	require.NotNil(t, back.Watch.Enabled)
	assert.True(t, *back.Watch.Enabled)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := ProcessConfig{
		Command:      "echo hi",
		Env:          map[string]string{"A": "1"},
		DependsOn:    []string{"db"},
		Environments: map[string]map[string]string{"prod": {"B": "2"}},
	}
	clone := cfg.Clone()
	clone.Env["A"] = "changed"
	clone.DependsOn[0] = "changed"
	clone.Environments["prod"]["B"] = "changed"

	assert.Equal(t, "1", cfg.Env["A"])
	assert.Equal(t, "db", cfg.DependsOn[0])
	assert.Equal(t, "2", cfg.Environments["prod"]["B"])
}
