package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/timeouts"
)

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, timeouts.DefaultChain(), cfg.Timeouts)

	scs := cfg.SourceConfigs()
	require.Len(t, scs, 3)
	assert.Equal(t, []tender.SourceID{tender.SourcePNCP, tender.SourceComprasGov, tender.SourcePortal},
		[]tender.SourceID{scs[0].ID, scs[1].ID, scs[2].ID})
	assert.Equal(t, 10.0, scs[0].RatePerSecond)
	assert.Equal(t, 5.0, scs[1].RatePerSecond)
	assert.Equal(t, 4.0, scs[2].RatePerSecond)
	for _, sc := range scs {
		assert.True(t, sc.Enabled)
		assert.Equal(t, 5, sc.FailureThreshold)
		assert.Equal(t, 30*time.Second, sc.RecoveryTimeout)
		assert.Equal(t, 2, sc.HalfOpenRequests)
		assert.Equal(t, 4, sc.Workers)
		assert.Equal(t, 3, sc.Retry.MaxRetries)
	}
	assert.NotNil(t, scs[2].Mapping)
	assert.True(t, scs[2].RequiresCredentials)
}

func TestParse_OverlaysFile(t *testing.T) {
	in := `
addr: ":9090"
log_level: debug
timeouts:
  page: 10s
sources:
  pncp:
    base_url: http://localhost:9000
    max_retries: 0
    workers: 8
  compras_gov:
    enabled: false
cache:
  backend: memory
  capacity: 10
  ttls:
    hot: {fast: 1m, durable: 12h}
`
	cfg, err := Parse(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Page)
	assert.Equal(t, 100*time.Second, cfg.Timeouts.Global, "unset levels keep defaults")

	scs := cfg.SourceConfigs()
	require.Len(t, scs, 3)
	assert.Equal(t, "http://localhost:9000", scs[0].BaseURL)
	assert.Zero(t, scs[0].Retry.MaxRetries)
	assert.Equal(t, 8, scs[0].Workers)
	assert.Equal(t, 10.0, scs[0].RatePerSecond, "unset fields keep defaults")
	assert.False(t, scs[1].Enabled)

	p := cfg.CachePolicy()
	assert.Equal(t, 10, p.Capacity)
	assert.Equal(t, cache.TTL{Fast: time.Minute, Durable: 12 * time.Hour}, p.TTL(cache.Hot))
	assert.Equal(t, cache.DefaultPolicy().TTL(cache.Warm), p.TTL(cache.Warm))
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("sources:\n  pncp:\n    base_ur: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_ur")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = "postgres" }},
		{"unknown ttl class", func(c *Config) { c.Cache.TTLs = map[string]TTLConfig{"tepid": {Fast: time.Minute, Durable: time.Hour}} }},
		{"fast above durable", func(c *Config) { c.Cache.TTLs = map[string]TTLConfig{"hot": {Fast: time.Hour, Durable: time.Minute}} }},
		{"no sources", func(c *Config) { c.Sources = Sources{} }},
		{"missing base url", func(c *Config) { c.Sources.PNCP.BaseURL = "" }},
		{"negative retries", func(c *Config) { c.Sources.PNCP.MaxRetries = ptr(-1) }},
		{"portal without mapping", func(c *Config) { c.Sources.Portal.Mapping = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LICITA_LOG_LEVEL":      "warn",
		"LICITA_ADDR":           ":7000",
		"LICITA_CACHE_DSN":      "postgres://u:p@localhost/licita",
		"LICITA_TIMEOUT_GLOBAL": "120s",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "postgres", cfg.Cache.Backend)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.Global)

	env["LICITA_TIMEOUT_PAGE"] = "soon"
	assert.ErrorIs(t, cfg.ApplyEnv(func(k string) string { return env[k] }), ErrInvalid)
}

func TestResolveTimeouts_FallsBackOnMisorder(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Modality = 60 * time.Second // above region

	var buf bytes.Buffer
	chain, err := cfg.ResolveTimeouts(slog.New(slog.NewJSONHandler(&buf, nil)))
	var order *timeouts.ErrBudgetOrder
	require.ErrorAs(t, err, &order)
	assert.Equal(t, timeouts.DefaultChain(), chain)
	assert.Contains(t, buf.String(), `"critical":true`)
}

func TestSourceConfigs_ResolvesCredentials(t *testing.T) {
	cfg := Default()
	scs := cfg.sourceConfigs(func(k string) string {
		if k == "LICITA_PORTAL_API_KEY" {
			return " secret "
		}
		return ""
	})
	assert.Equal(t, "secret", scs[2].Credential)
	assert.True(t, scs[2].HasCredentials())

	scs = cfg.sourceConfigs(func(string) string { return "" })
	assert.False(t, scs[2].HasCredentials())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licita.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":8181\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
