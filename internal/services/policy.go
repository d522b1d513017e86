package services

import (
	"fmt"
	"time"

	"table-reservations/internal/config"
)

// Policy holds the product rules a deployment may tune.
type Policy struct {
	CancellationBuffer   time.Duration
	MinDuration          time.Duration
	MaxDuration          time.Duration
	ReferencePrefix      string
	MaxReferenceAttempts int
	Location             *time.Location
}

func DefaultPolicy() Policy {
	return Policy{
		CancellationBuffer:   2 * time.Hour,
		MinDuration:          30 * time.Minute,
		MaxDuration:          8 * time.Hour,
		ReferencePrefix:      "BK",
		MaxReferenceAttempts: 5,
		Location:             time.UTC,
	}
}

// NewPolicy overlays the configured values on DefaultPolicy.
func NewPolicy(cfg config.PolicyConfig) (Policy, error) {
	p := DefaultPolicy()
	if cfg.CancellationBuffer.Duration != 0 {
		p.CancellationBuffer = cfg.CancellationBuffer.Duration
	}
	if cfg.MinDuration.Duration != 0 {
		p.MinDuration = cfg.MinDuration.Duration
	}
	if cfg.MaxDuration.Duration != 0 {
		p.MaxDuration = cfg.MaxDuration.Duration
	}
	if cfg.ReferencePrefix != "" {
		p.ReferencePrefix = cfg.ReferencePrefix
	}
	if cfg.MaxReferenceAttempts != 0 {
		p.MaxReferenceAttempts = cfg.MaxReferenceAttempts
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return Policy{}, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		p.Location = loc
	}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.CancellationBuffer < 0 {
		return fmt.Errorf("cancellation buffer must not be negative")
	}
	if p.MinDuration <= 0 || p.MaxDuration < p.MinDuration {
		return fmt.Errorf("duration bounds [%s, %s] are invalid", p.MinDuration, p.MaxDuration)
	}
	if p.MaxReferenceAttempts < 1 {
		return fmt.Errorf("max reference attempts must be at least 1")
	}
	if !referencePrefix.MatchString(p.ReferencePrefix) {
		return fmt.Errorf("reference prefix %q must be 1-6 uppercase letters", p.ReferencePrefix)
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
