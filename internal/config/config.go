// SPDX-License-Identifier:Apache-2.0

// Package config loads the flagsync configuration file.
package config

import (
	"encoding/json"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/flagsync/flagsync/internal/backoff"
	"github.com/flagsync/flagsync/internal/env"
	"github.com/flagsync/flagsync/internal/streaming"
)

const (
	DefaultWorkers   = 4
	DefaultStartWait = 15 * time.Second
)

// Config is the parsed configuration file.
type Config struct {
	Streaming Streaming `json:"streaming"`
	Listeners Listeners `json:"listeners"`
	// StartWait bounds how long Start blocks for the first sync.
	StartWait Duration `json:"start-wait"`
}

// Streaming configures the connection to the flag service.
type Streaming struct {
	URL           string `json:"url"`
	EnvSecret     string `json:"env-secret"`
	MaxRetryTimes int    `json:"max-retry-times"`

	PingInterval   Duration `json:"ping-interval"`
	ConnectTimeout Duration `json:"connect-timeout"`
	CloseTimeout   Duration `json:"close-timeout"`

	FirstRetryDelay Duration `json:"first-retry-delay"`
	MaxRetryDelay   Duration `json:"max-retry-delay"`
	ResetInterval   Duration `json:"reset-interval"`
	JitterRatio     *float64 `json:"jitter-ratio,omitempty"`
}

// Listeners configures delivery of state and change events.
type Listeners struct {
	// Workers bounds the number of listener callbacks running at once.
	Workers int `json:"workers"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrapf(err, "duration %s must be a string", b)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and parses the file at path. An empty path yields the
// defaults, which is only useful with the environment overrides set.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg, err := Parse(bs)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, nil
}

// Parse parses a YAML configuration, fills in defaults, applies the
// environment overrides and validates the result.
func Parse(bs []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(bs, cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if u := env.StreamingURL(); u != "" {
		c.Streaming.URL = u
	}
	if s := env.EnvSecret(); s != "" {
		c.Streaming.EnvSecret = s
	}
}

func (c *Config) applyDefaults() {
	s := &c.Streaming
	setDefault(&s.PingInterval, streaming.DefaultPingInterval)
	setDefault(&s.ConnectTimeout, streaming.DefaultConnectTimeout)
	setDefault(&s.CloseTimeout, streaming.DefaultCloseTimeout)
	setDefault(&s.FirstRetryDelay, backoff.DefaultFirstRetryDelay)
	setDefault(&s.MaxRetryDelay, backoff.DefaultMaxRetryDelay)
	setDefault(&s.ResetInterval, backoff.DefaultResetInterval)
	if s.JitterRatio == nil {
		j := backoff.DefaultJitterRatio
		s.JitterRatio = &j
	}
	if c.Listeners.Workers == 0 {
		c.Listeners.Workers = DefaultWorkers
	}
	setDefault(&c.StartWait, DefaultStartWait)
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}

func (c *Config) validate() error {
	s := c.Streaming
	if s.URL == "" {
		return errors.New("missing streaming url")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return errors.Wrap(err, "invalid streaming url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("streaming url %q must use ws or wss", s.URL)
	}
	if s.EnvSecret == "" {
		return errors.New("missing env secret")
	}
	if s.MaxRetryTimes < 0 {
		return errors.Errorf("invalid max-retry-times %d, must be >= 0", s.MaxRetryTimes)
	}
	if *s.JitterRatio < 0 || *s.JitterRatio > 1 {
		return errors.Errorf("invalid jitter-ratio %v, must be between 0 and 1", *s.JitterRatio)
	}
	if s.MaxRetryDelay.Duration < s.FirstRetryDelay.Duration {
		return errors.Errorf("max-retry-delay %s is shorter than first-retry-delay %s", s.MaxRetryDelay, s.FirstRetryDelay)
	}
	for name, d := range map[string]Duration{
		"ping-interval":     s.PingInterval,
		"connect-timeout":   s.ConnectTimeout,
		"close-timeout":     s.CloseTimeout,
		"first-retry-delay": s.FirstRetryDelay,
		"reset-interval":    s.ResetInterval,
		"start-wait":        c.StartWait,
	} {
		if d.Duration < 0 {
			return errors.Errorf("invalid %s %s, must be positive", name, d)
		}
	}
	if c.Listeners.Workers < 0 {
		return errors.Errorf("invalid listener workers %d", c.Listeners.Workers)
	}
	return nil
}

// Synchronizer returns the streaming settings in the form the
// synchronizer takes.
func (s Streaming) Synchronizer() streaming.Config {
	cfg := streaming.Config{
		URL:             s.URL,
		EnvSecret:       s.EnvSecret,
		MaxRetryTimes:   s.MaxRetryTimes,
		PingInterval:    s.PingInterval.Duration,
		ConnectTimeout:  s.ConnectTimeout.Duration,
		CloseTimeout:    s.CloseTimeout.Duration,
		FirstRetryDelay: s.FirstRetryDelay.Duration,
		MaxRetryDelay:   s.MaxRetryDelay.Duration,
		ResetInterval:   s.ResetInterval.Duration,
	}
	if s.JitterRatio != nil {
		cfg.JitterRatio = *s.JitterRatio
	}
	return cfg
}
