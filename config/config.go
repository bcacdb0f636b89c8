// Package config loads the engine configuration from YAML with defaults,
// validation and environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/source"
	"github.com/hazyhaar/licita/tender"
	"github.com/hazyhaar/licita/timeouts"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level configuration.
type Config struct {
	Addr     string         `yaml:"addr"`
	LogLevel string         `yaml:"log_level"`
	DBPath   string         `yaml:"db_path"`
	Timeouts timeouts.Chain `yaml:"timeouts"`
	Sources  Sources        `yaml:"sources"`
	Cache    CacheConfig    `yaml:"cache"`
	Health   HealthConfig   `yaml:"health"`
	Events   EventsConfig   `yaml:"events"`
}

// Common holds the settings every source shares.
type Common struct {
	BaseURL             string        `yaml:"base_url"`
	Enabled             *bool         `yaml:"enabled"`
	RequiresCredentials bool          `yaml:"requires_credentials"`
	CredentialEnv       string        `yaml:"credential_env"`
	CredentialHeader    string        `yaml:"credential_header"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          *int          `yaml:"max_retries"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RatePerSecond       float64       `yaml:"rate_per_second"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenRequests    int           `yaml:"half_open_requests"`
	Workers             int           `yaml:"workers"`
	PageSize            int           `yaml:"page_size"`
	MaxPages            int           `yaml:"max_pages"`
	Priority            int           `yaml:"priority"`
}

// PNCPConfig configures the national procurement portal.
type PNCPConfig struct {
	Common `yaml:",inline"`
}

// ComprasGovConfig configures the federal purchasing API.
type ComprasGovConfig struct {
	Common `yaml:",inline"`
}

// PortalConfig configures the aggregator API, described by a field mapping.
type PortalConfig struct {
	Common  `yaml:",inline"`
	Mapping *source.Mapping `yaml:"mapping"`
}

// Sources has one optional block per known provider. A nil block means the
// provider is not configured at all.
type Sources struct {
	PNCP       *PNCPConfig       `yaml:"pncp"`
	ComprasGov *ComprasGovConfig `yaml:"compras_gov"`
	Portal     *PortalConfig     `yaml:"portal"`
}

// TTLConfig is one priority class's fast and durable lifetime.
type TTLConfig struct {
	Fast    time.Duration `yaml:"fast"`
	Durable time.Duration `yaml:"durable"`
}

// CacheConfig configures the priority cache.
type CacheConfig struct {
	// Backend of the durable tier: memory (no durable tier), sqlite or postgres.
	Backend         string               `yaml:"backend"`
	DSN             string               `yaml:"dsn"`
	Capacity        int                  `yaml:"capacity"`
	Window          time.Duration        `yaml:"window"`
	HotThreshold    int                  `yaml:"hot_threshold"`
	TTLs            map[string]TTLConfig `yaml:"ttls"`
	RefreshInterval time.Duration        `yaml:"refresh_interval"`
	SweepInterval   time.Duration        `yaml:"sweep_interval"`
}

// HealthConfig configures eligibility and the canary prober.
type HealthConfig struct {
	Grace         time.Duration `yaml:"grace"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	OverridePoll  time.Duration `yaml:"override_poll"`
}

// EventsConfig configures the engine event stream and its retention.
type EventsConfig struct {
	Buffer        int `yaml:"buffer"`
	RetentionDays int `yaml:"retention_days"`
	MetricsDays   int `yaml:"metrics_retention_days"`
}

func ptr[T any](v T) *T { return &v }

// Default returns the built-in configuration: all three providers, the
// default timeout chain and cache policy.
func Default() *Config {
	return &Config{
		Addr:     ":8080",
		LogLevel: "info",
		DBPath:   "licita.db",
		Timeouts: timeouts.DefaultChain(),
		Sources: Sources{
			PNCP: &PNCPConfig{Common{
				BaseURL:       "https://pncp.gov.br/api/consulta",
				RatePerSecond: 10,
				PageSize:      50,
				MaxPages:      200,
				Priority:      1,
			}},
			ComprasGov: &ComprasGovConfig{Common{
				BaseURL:       "https://dadosabertos.compras.gov.br",
				RatePerSecond: 5,
				PageSize:      100,
				MaxPages:      200,
				Priority:      2,
			}},
			Portal: &PortalConfig{
				Common: Common{
					BaseURL:             "https://api.portaldatransparencia.gov.br/api-de-dados",
					RequiresCredentials: true,
					CredentialEnv:       "LICITA_PORTAL_API_KEY",
					CredentialHeader:    "chave-api-dados",
					RatePerSecond:       4,
					PageSize:            100,
					MaxPages:            100,
					Priority:            3,
				},
				Mapping: DefaultPortalMapping(),
			},
		},
		Cache: CacheConfig{
			Backend:         "sqlite",
			Capacity:        100,
			Window:          24 * time.Hour,
			HotThreshold:    3,
			RefreshInterval: time.Minute,
			SweepInterval:   10 * time.Minute,
		},
		Health: HealthConfig{
			Grace:         5 * time.Second,
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			OverridePoll:  2 * time.Second,
		},
		Events: EventsConfig{
			Buffer:        256,
			RetentionDays: 30,
			MetricsDays:   30,
		},
	}
}

// DefaultPortalMapping describes the aggregator's cursor-paginated API.
func DefaultPortalMapping() *source.Mapping {
	return &source.Mapping{
		Path: "/licitacoes",
		Params: map[string]string{
			"uf":            "{uf}",
			"modalidade":    "{modality}",
			"dataInicial":   "{from}",
			"dataFinal":     "{to}",
			"tamanhoPagina": "{page_size}",
		},
		CursorParam: "cursor",
		ResultPath:  "data",
		CursorPath:  "next_cursor",
		Fields: map[string]string{
			"provider_id":     "id",
			"agency_id":       "unidadeGestora.orgaoVinculado.cnpj",
			"agency_name":     "unidadeGestora.orgaoVinculado.nome",
			"process_number":  "processo",
			"year":            "ano",
			"description":     "objeto",
			"estimated_value": "valor",
			"uf":              "municipio.uf.sigla",
			"municipality":    "municipio.nomeIBGE",
			"modality":        "modalidadeLicitacao.codigo",
			"published_at":    "dataPublicacao",
			"closing_at":      "dataAbertura",
			"updated_at":      "dataUltimaAlteracao",
			"url":             "link",
		},
	}
}

// Load reads path, overlays it on Default, applies environment overrides
// and validates. An invalid timeout chain is not an error: it is replaced
// by safe defaults and logged at startup (see ResolveTimeouts).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse is Load over a reader.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays LICITA_LOG_LEVEL, LICITA_ADDR, LICITA_CACHE_DSN and the
// LICITA_TIMEOUT_* budgets.
func (c *Config) ApplyEnv(lookup func(string) string) error {
	if v := lookup("LICITA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := lookup("LICITA_ADDR"); v != "" {
		c.Addr = v
	}
	if v := lookup("LICITA_CACHE_DSN"); v != "" {
		c.Cache.DSN = v
		c.Cache.Backend = "postgres"
	}
	chain, err := timeouts.FromEnv(c.Timeouts, lookup)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Timeouts = chain
	return nil
}

// Validate checks everything except the timeout ordering, which
// ResolveTimeouts handles with a logged fallback.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Cache.DSN == "" {
			return fmt.Errorf("%w: cache.dsn is required for the postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: cache.backend %q (use memory, sqlite or postgres)", ErrInvalid, c.Cache.Backend)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("%w: cache.capacity must be >= 0", ErrInvalid)
	}
	for name, ttl := range c.Cache.TTLs {
		if _, err := cache.ParsePriority(name); err != nil {
			return fmt.Errorf("%w: cache.ttls: %v", ErrInvalid, err)
		}
		if ttl.Fast <= 0 || ttl.Durable < ttl.Fast {
			return fmt.Errorf("%w: cache.ttls.%s: need 0 < fast <= durable", ErrInvalid, name)
		}
	}
	if c.Cache.Backend != "memory" || c.Events.RetentionDays > 0 {
		if c.DBPath == "" {
			return fmt.Errorf("%w: db_path is required", ErrInvalid)
		}
	}

	n := 0
	for _, sc := range c.SourceConfigs() {
		n++
		if sc.BaseURL == "" {
			return fmt.Errorf("%w: sources.%s.base_url is required", ErrInvalid, sc.ID)
		}
		if sc.RatePerSecond < 0 {
			return fmt.Errorf("%w: sources.%s.rate_per_second must be >= 0", ErrInvalid, sc.ID)
		}
		if sc.Retry.MaxRetries < 0 {
			return fmt.Errorf("%w: sources.%s.max_retries must be >= 0", ErrInvalid, sc.ID)
		}
		if sc.Timeout < 0 {
			return fmt.Errorf("%w: sources.%s.timeout must be >= 0", ErrInvalid, sc.ID)
		}
	}
	if n == 0 {
		return fmt.Errorf("%w: at least one source must be configured", ErrInvalid)
	}
	if p := c.Sources.Portal; p != nil {
		if p.Mapping == nil {
			return fmt.Errorf("%w: sources.portal.mapping is required", ErrInvalid)
		}
		if err := p.Mapping.Validate(); err != nil {
			return fmt.Errorf("%w: sources.portal.mapping: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
}

// ResolveTimeouts validates the configured chain. An invalid chain is
// logged as critical and replaced by timeouts.DefaultChain; the returned
// error reports the rejection.
func (c *Config) ResolveTimeouts(logger *slog.Logger) (timeouts.Chain, error) {
	return timeouts.Resolve(c.Timeouts, timeouts.DefaultChain(), logger)
}

// SourceConfigs flattens the configured sources in priority order.
// Credentials are resolved from the environment.
func (c *Config) SourceConfigs() []source.Config {
	return c.sourceConfigs(os.Getenv)
}

func (c *Config) sourceConfigs(lookup func(string) string) []source.Config {
	var out []source.Config
	if s := c.Sources.PNCP; s != nil {
		out = append(out, s.Common.build(tender.SourcePNCP, lookup))
	}
	if s := c.Sources.ComprasGov; s != nil {
		out = append(out, s.Common.build(tender.SourceComprasGov, lookup))
	}
	if s := c.Sources.Portal; s != nil {
		sc := s.Common.build(tender.SourcePortal, lookup)
		sc.Mapping = s.Mapping
		out = append(out, sc)
	}
	return out
}

func (cm Common) build(id tender.SourceID, lookup func(string) string) source.Config {
	retry := connectivity.DefaultRetryPolicy()
	if cm.MaxRetries != nil {
		retry.MaxRetries = *cm.MaxRetries
	}
	if cm.BaseBackoff > 0 {
		retry.BaseDelay = cm.BaseBackoff
	}
	if cm.MaxBackoff > 0 {
		retry.MaxDelay = cm.MaxBackoff
	}

	sc := source.Config{
		ID:                  id,
		BaseURL:             cm.BaseURL,
		Enabled:             cm.Enabled == nil || *cm.Enabled,
		Priority:            cm.Priority,
		RequiresCredentials: cm.RequiresCredentials,
		CredentialHeader:    cm.CredentialHeader,
		Timeout:             cm.Timeout,
		Retry:               retry,
		RatePerSecond:       cm.RatePerSecond,
		FailureThreshold:    orDefault(cm.FailureThreshold, 5),
		RecoveryTimeout:     orDefault(cm.RecoveryTimeout, 30*time.Second),
		HalfOpenRequests:    orDefault(cm.HalfOpenRequests, 2),
		Workers:             orDefault(cm.Workers, 4),
		PageSize:            cm.PageSize,
		MaxPages:            cm.MaxPages,
	}
	if cm.CredentialEnv != "" {
		sc.Credential = strings.TrimSpace(lookup(cm.CredentialEnv))
	}
	return sc
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// CachePolicy builds the cache policy, starting from cache.DefaultPolicy.
func (c *Config) CachePolicy() cache.Policy {
	p := cache.DefaultPolicy()
	if c.Cache.Capacity > 0 {
		p.Capacity = c.Cache.Capacity
	}
	if c.Cache.Window > 0 {
		p.Window = c.Cache.Window
	}
	if c.Cache.HotThreshold > 0 {
		p.HotThreshold = c.Cache.HotThreshold
	}
	for name, ttl := range c.Cache.TTLs {
		pr, err := cache.ParsePriority(name)
		if err != nil {
			continue
		}
		p.TTLs[pr] = cache.TTL{Fast: ttl.Fast, Durable: ttl.Durable}
	}
	return p
}
