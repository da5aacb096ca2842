package model_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/FAI3/orchestra/internal/model"
)

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
remote:
  url: https://ledger.example.com
  owner: aaaaa-aa
  auth:
    type: static_token
    token: ABC123
  timeout: 5s
poller:
  interval: 2s
  grace: 500ms
  parallelism: 2
service:
  verbose: true
  log_format: text
`
	cfg, err := model.LoadConfig(writeConfig(t, yml))
	require.NoError(t, err)
	require.Equal(t, "https://ledger.example.com", cfg.Remote.URL)
	require.Equal(t, "aaaaa-aa", cfg.Remote.Owner)
	require.Equal(t, model.AuthTypeStaticToken, cfg.Remote.Auth.Type)
	require.Equal(t, "ABC123", cfg.Remote.Auth.Token)
	require.Equal(t, 5*time.Second, cfg.Remote.Timeout.Std())
	require.Equal(t, 2*time.Second, cfg.Poller.Interval.Std())
	require.Equal(t, 500*time.Millisecond, cfg.Poller.Grace.Std())
	require.Equal(t, 2, cfg.Poller.Parallelism)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogFormatText, cfg.Service.LogFormat)

	// defaults
	require.Equal(t, 100, cfg.Remote.MaxParallelism)
	require.Equal(t, 10*time.Second, cfg.Poller.FetchTimeout.Std())
	require.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), cfg)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("ORCHESTRA_REMOTE_OWNER", "bbbbb-bb")
	t.Setenv("ORCHESTRA_POLLER_INTERVAL", "250ms")

	cfg, err := model.LoadConfig(writeConfig(t, "remote:\n  owner: aaaaa-aa\n"))
	require.NoError(t, err)
	require.Equal(t, "bbbbb-bb", cfg.Remote.Owner)
	require.Equal(t, 250*time.Millisecond, cfg.Poller.Interval.Std())
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
		then     string
	}{
		{
			"missing token",
			"remote:\n  auth:\n    type: static_token\n",
			"remote.auth.token: incomplete value",
		},
		{
			"bad auth type",
			"remote:\n  auth:\n    type: oauth\n",
			"remote.auth.type: ",
		},
		{
			"relative url",
			"remote:\n  url: localhost\n",
			"remote.url: ",
		},
		{
			"version",
			"version: 2\n",
			"version: conflicting values",
		},
		{
			"zero parallelism",
			"poller:\n  parallelism: 0\n",
			"poller.parallelism: ",
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(writeConfig(t, tt.yml))
			require.ErrorContains(t, err, tt.then)
		})
	}

	t.Run("zero interval", func(t *testing.T) {
		_, err := model.LoadConfig(writeConfig(t, "poller:\n  interval: 0s\n"))
		require.EqualError(t, err, "poller.interval: must be positive")
	})
	t.Run("all errors", func(t *testing.T) {
		_, err := model.LoadConfig(writeConfig(t, "poller:\n  parallelism: 0\n  grace: -1s\nservice:\n  log_format: xml\n"))
		require.ErrorContains(t, err, "poller.parallelism")
		require.ErrorContains(t, err, "service.log_format")
		require.ErrorContains(t, err, "poller.grace: must not be negative")
	})
	t.Run("bad duration", func(t *testing.T) {
		_, err := model.LoadConfig(writeConfig(t, "poller:\n  grace: soon\n"))
		require.ErrorContains(t, err, "unmarshaling config")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := model.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorContains(t, err, "reading config file")
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, model.DefaultConfig().Validate())

	cfg := model.DefaultConfig()
	cfg.Remote.Auth = model.Auth{Type: model.AuthTypeStaticToken, Token: "s3cret"}
	require.NoError(t, cfg.Validate())

	cfg.Remote.Auth.Token = ""
	cfg.Remote.MaxParallelism = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "remote.auth.token")
	require.ErrorContains(t, err, "remote.max_parallelism")
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	b, err := yaml.Marshal(model.DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, string(b), "interval: 1s")

	cfg, err := model.LoadConfig(writeConfig(t, string(b)))
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), cfg)
}
