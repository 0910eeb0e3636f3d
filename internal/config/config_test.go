package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func load(t *testing.T, v *viper.Viper) *Settings {
	t.Helper()
	s, err := Load(v)
	require.NoError(t, err)
	return s
}

func TestDefaults(t *testing.T) {
	t.Setenv("RC2SYNC_CONFIG_DIR", t.TempDir())
	v, err := New()
	require.NoError(t, err)
	require.NoError(t, ReadFile(v, ""))

	s := load(t, v)
	assert.Equal(t, "sqlite", s.Database.Driver)
	assert.Equal(t, 30000, s.Database.BusyTimeoutMS)
	assert.Equal(t, "rc2img", s.ImagePrefix)
	assert.Equal(t, 5*time.Millisecond, s.EchoWindow)
	assert.Equal(t, 250*time.Millisecond, s.NotifyPollInterval)
	assert.Equal(t, "rcfile", s.NotifyChannel)
	assert.Equal(t, "auto", s.WatchBackend)
	assert.Equal(t, "info", s.LogLevel)
	assert.NoError(t, s.Validate())
	assert.Error(t, s.ValidateSession(), "defaults have no dsn or workspace")
}

func TestSettingsFileThenEnvThenFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RC2SYNC_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(SettingsPath(), []byte(`
database:
  driver: postgres
  dsn: postgres://rc2@localhost/rc2?sslmode=disable
workspace_id: 4
echo_window: 10ms
excludes: ["*.log"]
`), 0o600))
	t.Setenv("RC2SYNC_WORKSPACE_ID", "9")
	t.Setenv("RC2SYNC_DATABASE_BUSY_TIMEOUT_MS", "100")

	v, err := New()
	require.NoError(t, err)
	require.NoError(t, ReadFile(v, ""))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("working-dir", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, BindFlags(v, flags, "working_dir", "log_level"))
	require.NoError(t, flags.Parse([]string{"--working-dir", dir}))

	s := load(t, v)
	assert.Equal(t, "postgres", s.Database.Driver)
	assert.Equal(t, 100, s.Database.BusyTimeoutMS)
	assert.Equal(t, int64(9), s.WorkspaceID)
	assert.Equal(t, 10*time.Millisecond, s.EchoWindow)
	assert.Equal(t, []string{"*.log"}, s.Excludes)
	assert.Equal(t, dir, s.WorkingDir)
	assert.Equal(t, "info", s.LogLevel, "an unset flag does not override")
	assert.NoError(t, s.ValidateSession())
}

func TestBindFlagsRequiresFlag(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	err = BindFlags(v, pflag.NewFlagSet("x", pflag.ContinueOnError), "database.dsn")
	assert.ErrorContains(t, err, "database-dsn")
}

func TestReadFileExplicitMissing(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	s := &Settings{Database: Database{Driver: "oracle"}, WatchBackend: "auto"}
	assert.ErrorContains(t, s.Validate(), "database.driver")

	s = &Settings{Database: Database{Driver: "sqlite"}, WatchBackend: "kqueue"}
	assert.ErrorContains(t, s.Validate(), "watch_backend")
}

func TestControlSocketDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RC2SYNC_CONFIG_DIR", dir)

	s := &Settings{WorkspaceID: 12}
	assert.Equal(t, filepath.Join(dir, "rc2sync-12.sock"), s.ControlSocket())
	s.SocketPath = "/run/rc2.sock"
	assert.Equal(t, "/run/rc2.sock", s.ControlSocket())
}

func TestSaveRoundTrips(t *testing.T) {
	t.Setenv("RC2SYNC_CONFIG_DIR", t.TempDir())
	v, err := New()
	require.NoError(t, err)
	v.Set("workspace_id", 21)

	path := filepath.Join(t.TempDir(), "out", "settings.yaml")
	require.NoError(t, Save(v, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, 21, m["workspace_id"])

	v2, err := New()
	require.NoError(t, err)
	require.NoError(t, ReadFile(v2, path))
	assert.Equal(t, int64(21), load(t, v2).WorkspaceID)
}

func TestInitConfigDirKeepsExisting(t *testing.T) {
	t.Setenv("RC2SYNC_CONFIG_DIR", filepath.Join(t.TempDir(), "cfg"))

	path, err := InitConfigDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("workspace_id: 3\n"), 0o600))

	_, err = InitConfigDir()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "workspace_id: 3\n", string(data))
}
