// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "7s" or "168h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy holds the tunable thresholds of the machine. The algorithm
// does not depend on the specific values; deployments set them to
// match their traffic and threat model.
type Policy struct {
	// RotationMessages is the number of messages an outbound group
	// session may encrypt before it is rotated.
	RotationMessages uint32 `yaml:"rotation_messages"`

	// RotationAge is the maximum age of an outbound group session
	// before it is rotated.
	RotationAge Duration `yaml:"rotation_age"`

	// PairwiseMaxAge is the maximum age of an outbound pairwise
	// session before a fresh one is established. Zero disables
	// age-based pairwise rotation.
	PairwiseMaxAge Duration `yaml:"pairwise_max_age"`

	// OTKLowWater is the server-side one-time-key count below which
	// replenishment triggers.
	OTKLowWater int `yaml:"one_time_key_low_water"`

	// OTKHighWater is the server-side count replenishment restores.
	// Clamped to the account's maximum.
	OTKHighWater int `yaml:"one_time_key_high_water"`

	// ShareToUnverified controls whether group session keys are shared
	// with unverified (but not blacklisted) devices during room
	// encryption. Most deployments need this on; rooms full of
	// manually-verified devices can turn it off.
	ShareToUnverified bool `yaml:"share_to_unverified"`

	// ForwardToUnverified controls whether incoming key requests from
	// unverified devices are auto-satisfied. When false such requests
	// are held pending until the device is trusted.
	ForwardToUnverified bool `yaml:"forward_to_unverified"`

	// KeyRequestTimeout is how long an outgoing key request stays
	// outstanding before it is auto-cancelled.
	KeyRequestTimeout Duration `yaml:"key_request_timeout"`

	// QueueMaxPerSession bounds how many undecryptable events are
	// buffered per (room, sender key, session) waiting for a key.
	QueueMaxPerSession int `yaml:"queue_max_per_session"`

	// QueueMaxAge bounds how long an undecryptable event waits before
	// it is dropped as a terminal decryption failure.
	QueueMaxAge Duration `yaml:"queue_max_age"`
}

// DefaultPolicy returns the thresholds used when no configuration is
// supplied.
func DefaultPolicy() Policy {
	return Policy{
		RotationMessages:  100,
		RotationAge:       Duration(7 * 24 * time.Hour),
		PairwiseMaxAge:    0,
		OTKLowWater:       25,
		OTKHighWater:      50,
		ShareToUnverified: true,
		KeyRequestTimeout: Duration(24 * time.Hour),

		QueueMaxPerSession: 100,
		QueueMaxAge:        Duration(24 * time.Hour),
	}
}

// LoadPolicy reads a YAML policy file over the defaults. Unknown
// fields are rejected.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("loading policy: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil {
		return policy, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("policy %s: %w", path, err)
	}
	return policy, nil
}

// Validate rejects threshold combinations the machine cannot run with.
func (p Policy) Validate() error {
	if p.RotationMessages == 0 {
		return fmt.Errorf("rotation_messages must be positive")
	}
	if p.OTKLowWater < 0 || p.OTKHighWater <= 0 {
		return fmt.Errorf("one-time-key water marks must be positive")
	}
	if p.OTKLowWater >= p.OTKHighWater {
		return fmt.Errorf("one_time_key_low_water (%d) must be below one_time_key_high_water (%d)",
			p.OTKLowWater, p.OTKHighWater)
	}
	if p.QueueMaxPerSession <= 0 {
		return fmt.Errorf("queue_max_per_session must be positive")
	}
	return nil
}
