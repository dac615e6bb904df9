// Package engineconfig loads the optional .weft/config.yaml that tunes
// the durable core. Every knob has a safe default, so an absent or
// empty file still configures a working engine.
package engineconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/weft/core/guardrail"
	"github.com/davidahmann/weft/core/sessionlog"
)

const DefaultPath = ".weft/config.yaml"

const (
	DefaultStoreRoot       = ".weft/store"
	DefaultKeyringPath     = ".weft/keyring.json"
	DefaultProducerVersion = "0.0.0-dev"
)

type Config struct {
	Store    StoreDefaults    `yaml:"store"`
	Session  SessionDefaults  `yaml:"session"`
	Producer ProducerDefaults `yaml:"producer"`
}

type StoreDefaults struct {
	Root             string `yaml:"root"`
	SegmentMaxBytes  int64  `yaml:"segment_max_bytes"`
	SegmentMaxEvents int    `yaml:"segment_max_events"`
	LockRetryAfterMS int    `yaml:"lock_retry_after_ms"`
	LockStaleAfter   string `yaml:"lock_stale_after"`
}

type SessionDefaults struct {
	Autonomy   string `yaml:"autonomy"`
	RiskPolicy string `yaml:"risk_policy"`
}

type ProducerDefaults struct {
	Version string `yaml:"version"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("engine config path is required")
	}

	// #nosec G304 -- engine config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read engine config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse engine config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

// WithDefaults fills every zero-valued knob with the package default.
func (configuration Config) WithDefaults() Config {
	out := configuration
	if out.Store.Root == "" {
		out.Store.Root = DefaultStoreRoot
	}
	if out.Store.SegmentMaxBytes <= 0 {
		out.Store.SegmentMaxBytes = sessionlog.DefaultSegmentMaxBytes
	}
	if out.Store.SegmentMaxEvents <= 0 {
		out.Store.SegmentMaxEvents = sessionlog.DefaultSegmentMaxEvents
	}
	if out.Store.LockRetryAfterMS <= 0 {
		out.Store.LockRetryAfterMS = int(sessionlog.DefaultLockRetryAfter / time.Millisecond)
	}
	if out.Store.LockStaleAfter == "" {
		out.Store.LockStaleAfter = sessionlog.DefaultLockStaleAfter.String()
	}
	if out.Session.Autonomy == "" {
		out.Session.Autonomy = string(guardrail.DefaultAutonomy)
	}
	if out.Session.RiskPolicy == "" {
		out.Session.RiskPolicy = string(guardrail.DefaultRiskPolicy)
	}
	if out.Producer.Version == "" {
		out.Producer.Version = DefaultProducerVersion
	}
	return out
}

// StoreOptions converts the store section into session store options.
// Zero-valued fields stay zero so the store applies its own defaults.
func (configuration Config) StoreOptions() (sessionlog.Options, error) {
	staleAfter := time.Duration(0)
	if s := configuration.Store.LockStaleAfter; s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return sessionlog.Options{}, fmt.Errorf("parse lock_stale_after: %w", err)
		}
		if parsed <= 0 {
			return sessionlog.Options{}, fmt.Errorf("lock_stale_after must be positive, got %s", parsed)
		}
		staleAfter = parsed
	}
	return sessionlog.Options{
		Root:             configuration.Store.Root,
		SegmentMaxBytes:  configuration.Store.SegmentMaxBytes,
		SegmentMaxEvents: configuration.Store.SegmentMaxEvents,
		LockRetryAfter:   time.Duration(configuration.Store.LockRetryAfterMS) * time.Millisecond,
		LockStaleAfter:   staleAfter,
	}, nil
}

// Preferences returns the configured session defaults, rejecting values
// outside the declared autonomy and risk vocabularies.
func (configuration Config) Preferences() (guardrail.Autonomy, guardrail.RiskPolicy, error) {
	autonomy := guardrail.DefaultAutonomy
	if configuration.Session.Autonomy != "" {
		autonomy = guardrail.Autonomy(configuration.Session.Autonomy)
		if !autonomy.Valid() {
			return "", "", fmt.Errorf("unknown session autonomy %q", configuration.Session.Autonomy)
		}
	}
	policy := guardrail.DefaultRiskPolicy
	if configuration.Session.RiskPolicy != "" {
		policy = guardrail.RiskPolicy(configuration.Session.RiskPolicy)
		if !policy.Valid() {
			return "", "", fmt.Errorf("unknown session risk policy %q", configuration.Session.RiskPolicy)
		}
	}
	return autonomy, policy, nil
}

func (configuration *Config) normalize() {
	configuration.Store.Root = strings.TrimSpace(configuration.Store.Root)
	configuration.Store.LockStaleAfter = strings.TrimSpace(configuration.Store.LockStaleAfter)
	configuration.Session.Autonomy = strings.ToLower(strings.TrimSpace(configuration.Session.Autonomy))
	configuration.Session.RiskPolicy = strings.ToLower(strings.TrimSpace(configuration.Session.RiskPolicy))
	configuration.Producer.Version = strings.TrimSpace(configuration.Producer.Version)
}
