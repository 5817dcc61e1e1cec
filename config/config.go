// Package config defines the plain Go configuration struct for an
// acmecore deployment (spec.md section 6). There is no file-format parser
// here: a TOML/YAML/env loader is an explicit Non-goal (spec.md section 1),
// so callers build a Config with struct literals or their own flag/env
// wiring and pass it to Validate.
package config

import (
	"time"

	"github.com/cpu/acmecore/acmeerr"
)

// Config holds every knob spec.md section 6 names.
type Config struct {
	// DirectoryURL is the ACME server's directory endpoint.
	DirectoryURL string
	// Contacts are "mailto:" addresses (without the scheme) registered
	// with the account.
	Contacts []string
	// TermsOfServiceAgreed must be true for Register to succeed against a
	// CA that requires agreement (virtually all production CAs do).
	TermsOfServiceAgreed bool
	// ChallengeType selects the default challenge type when more than one
	// is offered and more than one solver is registered. Must be one of
	// "http-01", "dns-01", "tls-alpn-01".
	ChallengeType string
	// RenewBeforeDays is how many days ahead of expiry a certificate
	// becomes due for renewal. Defaults to 30 if zero.
	RenewBeforeDays int
	// CheckIntervalSeconds is how often the scheduler scans for due
	// certificates. Defaults to 3600 (1 hour) if zero.
	CheckIntervalSeconds int
	// Concurrency bounds simultaneous renewals (scheduler.Advanced only).
	// Defaults to 1 if zero.
	Concurrency int
}

// SetDefaults fills in the zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.RenewBeforeDays == 0 {
		c.RenewBeforeDays = 30
	}
	if c.CheckIntervalSeconds == 0 {
		c.CheckIntervalSeconds = 3600
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
}

// RenewBefore returns RenewBeforeDays as a time.Duration.
func (c *Config) RenewBefore() time.Duration {
	return time.Duration(c.RenewBeforeDays) * 24 * time.Hour
}

// CheckInterval returns CheckIntervalSeconds as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

var validChallengeTypes = map[string]bool{
	"http-01":     true,
	"dns-01":      true,
	"tls-alpn-01": true,
}

// Validate checks the configuration for internal consistency, returning an
// acmeerr KindConfiguration error describing the first problem found.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return acmeerr.New(acmeerr.KindConfiguration, "directory_url is required")
	}
	if !c.TermsOfServiceAgreed {
		return acmeerr.New(acmeerr.KindConfiguration, "terms_of_service_agreed must be true")
	}
	if c.ChallengeType != "" && !validChallengeTypes[c.ChallengeType] {
		return acmeerr.Newf(acmeerr.KindConfiguration, "challenge_type %q is not one of http-01, dns-01, tls-alpn-01", c.ChallengeType)
	}
	if c.RenewBeforeDays < 0 {
		return acmeerr.New(acmeerr.KindConfiguration, "renew_before_days must not be negative")
	}
	if c.CheckIntervalSeconds < 0 {
		return acmeerr.New(acmeerr.KindConfiguration, "check_interval_secs must not be negative")
	}
	if c.Concurrency < 0 {
		return acmeerr.New(acmeerr.KindConfiguration, "concurrency must not be negative")
	}
	return nil
}
