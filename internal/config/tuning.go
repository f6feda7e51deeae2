package config

import (
	"time"

	"github.com/goccy/go-yaml"
)

// Tuning holds operational knobs that don't belong in the JSON proxy
// configuration (which describes rules and referrers, not runtime
// mechanics). It is optional: a proxy started without -tuning runs with
// the defaults below.
type Tuning struct {
	ReaperInterval time.Duration
	RequestTimeout time.Duration
}

// DefaultTuning matches the values the engine and dispatcher already fall
// back to when no override is supplied.
func DefaultTuning() Tuning {
	return Tuning{
		ReaperInterval: 60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

type rawTuning struct {
	ReaperIntervalSeconds int `yaml:"reaperIntervalSeconds"`
	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`
}

// LoadTuning parses a YAML tuning override file. Fields left at zero keep
// the corresponding DefaultTuning value.
func LoadTuning(data []byte) (Tuning, error) {
	t := DefaultTuning()
	var raw rawTuning
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Tuning{}, err
	}
	if raw.ReaperIntervalSeconds > 0 {
		t.ReaperInterval = time.Duration(raw.ReaperIntervalSeconds) * time.Second
	}
	if raw.RequestTimeoutSeconds > 0 {
		t.RequestTimeout = time.Duration(raw.RequestTimeoutSeconds) * time.Second
	}
	return t, nil
}
