package ratelimit

import "fmt"

// Tier is an API key's quota class.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
	TierUnlimited  Tier = "unlimited"
)

// IsValid reports membership in the closed tier set.
func (t Tier) IsValid() bool {
	switch t {
	case TierBasic, TierStandard, TierPremium, TierEnterprise, TierUnlimited:
		return true
	}
	return false
}

// Limits are the per-window quotas for a tier.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
	Burst     int `json:"burst"`
}

// Policy maps tiers to limits. Loaded at startup and immutable for the
// process lifetime.
type Policy map[Tier]Limits

// DefaultPolicy returns the built-in tier quotas.
func DefaultPolicy() Policy {
	return Policy{
		TierBasic:      {PerMinute: 10, PerHour: 300, PerDay: 2000, Burst: 5},
		TierStandard:   {PerMinute: 60, PerHour: 2000, PerDay: 20000, Burst: 20},
		TierPremium:    {PerMinute: 300, PerHour: 10000, PerDay: 100000, Burst: 60},
		TierEnterprise: {PerMinute: 1000, PerHour: 40000, PerDay: 500000, Burst: 200},
	}
}

// Validate enforces the nesting invariant: a minute of sustained traffic may
// not exceed the hour quota, and hours may not exceed the day quota.
func (p Policy) Validate() error {
	for tier, l := range p {
		if l.PerMinute <= 0 || l.PerHour <= 0 || l.PerDay <= 0 {
			return fmt.Errorf("tier %s: window limits must be positive", tier)
		}
		if l.PerHour > l.PerDay {
			return fmt.Errorf("tier %s: per_hour %d exceeds per_day %d", tier, l.PerHour, l.PerDay)
		}
		if l.PerMinute > l.PerHour {
			return fmt.Errorf("tier %s: per_minute %d exceeds per_hour %d", tier, l.PerMinute, l.PerHour)
		}
		if l.Burst < 0 {
			return fmt.Errorf("tier %s: burst cannot be negative", tier)
		}
	}
	return nil
}

// limitFor returns the limit for a window size in seconds.
func (l Limits) limitFor(windowSeconds int) int {
	switch windowSeconds {
	case 60:
		return l.PerMinute
	case 3600:
		return l.PerHour
	default:
		return l.PerDay
	}
}
