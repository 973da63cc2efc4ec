package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: a YAML file, an env override and a flag override
	// WHEN: loading
	// THEN: flags beat env, env beats the file, the file beats defaults

	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
store:
  driver: sqlite
  path: /var/lib/ledger.db
auth:
  jwt_secret: file-secret-0123456789
settlement:
  transactional: true
  step_timeout: 2s
reconcile:
  interval: 15m
`), 0o600))

	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("JWT_SECRET", "env-secret-0123456789")
	t.Setenv("PORT", "9100")

	cfg, err := Load([]string{"-config", path, "-port", "9200"})
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "env-secret-0123456789", cfg.Auth.JWTSecret)
	assert.Equal(t, "/var/lib/ledger.db", cfg.Store.Path)
	assert.True(t, cfg.Settlement.Transactional)
	assert.Equal(t, 2*time.Second, cfg.Settlement.StepTimeout)
	assert.Equal(t, 10*time.Second, cfg.Settlement.CompensationTimeout, "default kept")
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval)
}

func TestApplyEnv_DatabaseURLSelectsPostgres(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"DATABASE_URL": "postgres://ledger@localhost/ledger",
		"REDIS_ADDR":   "localhost:6379",
	})))
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	cfg = Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"DATABASE_URL": "postgres://ledger@localhost/ledger",
		"LEDGER_STORE": "memory",
	})))
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{"PORT": "eighty", "LEDGER_TRANSACTIONAL": "maybe"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "LEDGER_TRANSACTIONAL")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Auth.JWTSecret = "0123456789abcdef"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"no secret":       func(c *Config) { c.Auth.JWTSecret = "" },
		"bad port":        func(c *Config) { c.Server.Port = 70000 },
		"unknown driver":  func(c *Config) { c.Store.Driver = "mongo" },
		"postgres no dsn": func(c *Config) { c.Store.Driver = "postgres" },
		"zero timeout":    func(c *Config) { c.Settlement.StepTimeout = 0 },
		"bad log mode":    func(c *Config) { c.Log.Mode = "verbose" },
		"bad ratio":       func(c *Config) { c.Telemetry.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
