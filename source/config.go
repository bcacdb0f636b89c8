// Package source wraps one procurement provider's HTTP surface behind a
// uniform page-fetching contract. Each Client owns its circuit breaker and
// composes rate limiting, retry and breaker gating around every request.
package source

import (
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/tender"
)

// Config is the static descriptor of one source. It is immutable once the
// client is built.
type Config struct {
	ID       tender.SourceID
	BaseURL  string
	Enabled  bool
	Priority int // lower wins dedup tie-breaks

	RequiresCredentials bool
	Credential          string // resolved secret, never logged
	CredentialHeader    string // defaults to X-API-Key

	// Timeout caps the per-source aggregate budget below the chain's
	// source level. Zero keeps the chain value.
	Timeout time.Duration
	Retry   connectivity.RetryPolicy

	RatePerSecond    float64
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int

	Workers  int // concurrent region tasks
	PageSize int
	MaxPages int // per partition, 0 means unbounded

	// Mapping configures the generic JSON adapter. Only the portal source uses it.
	Mapping *Mapping
}

// HasCredentials reports whether a source that needs a credential has one.
func (c Config) HasCredentials() bool {
	return !c.RequiresCredentials || c.Credential != ""
}

func (c Config) credentialHeader() string {
	if c.CredentialHeader != "" {
		return c.CredentialHeader
	}
	return "X-API-Key"
}

func (c Config) pageSize(def int) int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return def
}
