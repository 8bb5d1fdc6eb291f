// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package cliparse

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// LiveConfig tunes the live voting hub.
type LiveConfig struct {
	EvictionGrace   time.Duration `yaml:"evictionGrace"   envconfig:"EVICTION_GRACE"`
	LivenessTimeout time.Duration `yaml:"livenessTimeout" envconfig:"LIVENESS_TIMEOUT"`
	SendBuffer      int           `yaml:"sendBuffer"      envconfig:"SEND_BUFFER"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes" envconfig:"MAX_MESSAGE_BYTES"`
	MessageRate     float64       `yaml:"messageRate"     envconfig:"MESSAGE_RATE"`
	MessageBurst    int           `yaml:"messageBurst"    envconfig:"MESSAGE_BURST"`
}

func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		EvictionGrace:   60 * time.Second,
		LivenessTimeout: 75 * time.Second,
		SendBuffer:      64,
		MaxMessageBytes: 64 << 10,
		MessageRate:     20,
		MessageBurst:    40,
	}
}

type liveFile struct {
	Live *LiveConfig `yaml:"live"`
}

// LoadLiveConfig starts from DefaultLiveConfig, overlays the "live" section
// of the YAML file at path (if path is not empty), then LIVE_* environment
// variables.
func LoadLiveConfig(path string) (LiveConfig, error) {
	cfg := DefaultLiveConfig()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return LiveConfig{}, fmt.Errorf("error reading config file: %w", err)
		}
		file := liveFile{Live: &cfg}
		if err := yaml.Unmarshal(buf, &file); err != nil {
			return LiveConfig{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("live", &cfg); err != nil {
		return LiveConfig{}, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return LiveConfig{}, err
	}
	return cfg, nil
}

func (c LiveConfig) validate() error {
	var errs []error
	if c.EvictionGrace <= 0 {
		errs = append(errs, errors.New("evictionGrace must be positive"))
	}
	if c.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("livenessTimeout must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("sendBuffer must be positive"))
	}
	if c.MaxMessageBytes < 512 {
		errs = append(errs, errors.New("maxMessageBytes must be at least 512"))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("messageRate and messageBurst must be positive"))
	}
	return errors.Join(errs...)
}
