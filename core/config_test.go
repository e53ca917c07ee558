package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "harvest-worker", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DefaultSessionTrustFloor, cfg.Session.TrustFloor)
	assert.Equal(t, DefaultSessionMaxUses, cfg.Session.MaxUses)
	assert.Equal(t, time.Duration(DefaultSessionMaxAgeSecond)*time.Second, cfg.Session.MaxAge)
	assert.Equal(t, DefaultLoginRefreshTTL, cfg.Intervention.LoginRefreshTTL)
	assert.Equal(t, DefaultSelectorFixTTL, cfg.Intervention.SelectorFixTTL)
	assert.Equal(t, DefaultFieldConfirmTTL, cfg.Intervention.FieldConfirmTTL)
	assert.Equal(t, DefaultManualAccessTTL, cfg.Intervention.ManualAccessTTL)
	assert.True(t, cfg.Resilience.CircuitBreaker.Enabled)
	assert.Equal(t, "inmemory", cfg.DomainIntel.Provider)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid default config",
			mutate: func(c *Config) {},
		},
		{
			name:    "port too low",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.Port = 99999 },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Name = "" },
			wantErr: ErrMissingConfiguration,
		},
		{
			name:    "trust floor out of range",
			mutate:  func(c *Config) { c.Session.TrustFloor = 150 },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name: "provider enabled without keys",
			mutate: func(c *Config) {
				c.Provider.Enabled = true
				c.Provider.APIKeys = nil
				c.Development.MockProviders = false
			},
			wantErr: ErrMissingConfiguration,
		},
		{
			name: "provider enabled without keys but mocked",
			mutate: func(c *Config) {
				c.Provider.Enabled = true
				c.Provider.APIKeys = nil
				c.Development.MockProviders = true
			},
		},
		{
			name: "telemetry enabled without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: ErrMissingConfiguration,
		},
		{
			name: "redis domain intel without url",
			mutate: func(c *Config) {
				c.DomainIntel.Provider = "redis"
				c.Redis.URL = ""
			},
			wantErr: ErrMissingConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Name = "test-worker"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var fe *FrameworkError
			require.ErrorAs(t, err, &fe)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HARVEST_NAME", "env-worker")
	t.Setenv("PORT", "9090")
	t.Setenv("HARVEST_SESSION_TRUST_FLOOR", "55")
	t.Setenv("HARVEST_SESSION_MAX_AGE", "90m")
	t.Setenv("HARVEST_PROVIDER_API_KEYS", "key-a, key-b ,key-c")
	t.Setenv("HARVEST_CORS_ENABLED", "true")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "env-worker", cfg.Name)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 55, cfg.Session.TrustFloor)
	assert.Equal(t, 90*time.Minute, cfg.Session.MaxAge)
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, cfg.Provider.APIKeys)
	assert.True(t, cfg.HTTP.CORS.Enabled)
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("HARVEST_SESSION_MAX_AGE", "not-a-duration")

	cfg := DefaultConfig()
	originalPort := cfg.Port
	originalMaxAge := cfg.Session.MaxAge

	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, originalPort, cfg.Port)
	assert.Equal(t, originalMaxAge, cfg.Session.MaxAge)
}

func TestNewConfigAppliesOptionsOverEnv(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := NewConfig(
		WithName("option-worker"),
		WithPort(7070),
		WithMockProviders(true),
	)
	require.NoError(t, err)

	assert.Equal(t, "option-worker", cfg.Name)
	assert.Equal(t, 7070, cfg.Port)
	assert.True(t, cfg.Development.MockProviders)
}

func TestWithPortRejectsOutOfRange(t *testing.T) {
	_, err := NewConfig(WithPort(-1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestWithProviderAPIKeysEnablesProvider(t *testing.T) {
	cfg, err := NewConfig(WithProviderAPIKeys("k1", "k2"))
	require.NoError(t, err)
	assert.True(t, cfg.Provider.Enabled)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Provider.APIKeys)
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"file-worker","port":6060}`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "file-worker", cfg.Name)
	assert.Equal(t, 6060, cfg.Port)
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("name: yaml-worker\nport: 6161\n"), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "yaml-worker", cfg.Name)
	assert.Equal(t, 6161, cfg.Port)
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.ini"
	require.NoError(t, os.WriteFile(path, []byte("name=bad"), 0o644))

	cfg := DefaultConfig()
	err := cfg.LoadFromFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestProductionLoggerWithComponent(t *testing.T) {
	base := NewProductionLogger(LoggingConfig{Level: "debug", Format: "json"}, DevelopmentConfig{}, "test-service")
	cal, ok := base.(ComponentAwareLogger)
	require.True(t, ok)

	scoped := cal.WithComponent("harvest/sessionpool")
	assert.NotNil(t, scoped)

	// Logging through the scoped logger should not panic and should not
	// affect the base logger's component.
	scoped.Info("scoped message", map[string]interface{}{"key": "value"})
	base.Info("base message", nil)
}
