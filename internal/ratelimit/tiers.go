package ratelimit

import "strings"

// Config describes one operation key's bucket.
type Config struct {
	// RequestsPerMinute is the sustained refill rate.
	RequestsPerMinute float64 `yaml:"requests_per_minute" json:"requests_per_minute,omitempty"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size" json:"burst_size,omitempty"`
	// Tier names a preset (tier1..tier4) used for fields left at zero.
	Tier string `yaml:"tier" json:"tier,omitempty"`
}

// Slack Web API tiers. Burst is twice the per-minute allowance.
var Tiers = map[string]Config{
	"tier1": {RequestsPerMinute: 1, BurstSize: 2},
	"tier2": {RequestsPerMinute: 20, BurstSize: 40},
	"tier3": {RequestsPerMinute: 50, BurstSize: 100},
	"tier4": {RequestsPerMinute: 100, BurstSize: 200},
}

// DefaultConfig is tier3.
func DefaultConfig() Config {
	return Tiers["tier3"]
}

// resolve fills zero fields from the tier preset and then from DefaultConfig.
func (c Config) resolve() Config {
	if tier, ok := Tiers[strings.ToLower(c.Tier)]; ok {
		if c.RequestsPerMinute <= 0 {
			c.RequestsPerMinute = tier.RequestsPerMinute
		}
		if c.BurstSize <= 0 {
			c.BurstSize = tier.BurstSize
		}
	}
	def := DefaultConfig()
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(c.RequestsPerMinute * 2)
		if c.BurstSize < 1 {
			c.BurstSize = 1
		}
	}
	return c
}

// ValidTier reports whether name is empty or a known tier.
func ValidTier(name string) bool {
	if name == "" {
		return true
	}
	_, ok := Tiers[strings.ToLower(name)]
	return ok
}
