package harvest

import "time"

// Config holds the throttling and sizing knobs of a harvest.
type Config struct {
	TrancheCapacity  int
	PageCapacity     int
	ItemDelay        time.Duration
	PageDelay        time.Duration
	RateLimitBackoff time.Duration
	Cooldown         time.Duration
	CallTimeout      time.Duration
	ItemRetries      int
	SecondsPerItem   float64
	Filter           string
}

// DefaultConfig returns the production throttling profile.
func DefaultConfig() Config {
	return Config{
		TrancheCapacity:  1000,
		PageCapacity:     100,
		ItemDelay:        200 * time.Millisecond,
		PageDelay:        2 * time.Second,
		RateLimitBackoff: 10 * time.Second,
		Cooldown:         30 * time.Second,
		CallTimeout:      30 * time.Second,
		ItemRetries:      1,
		SecondsPerItem:   0.25,
		Filter:           "in:inbox",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrancheCapacity <= 0 {
		c.TrancheCapacity = d.TrancheCapacity
	}
	if c.PageCapacity <= 0 {
		c.PageCapacity = d.PageCapacity
	}
	if c.ItemRetries < 0 {
		c.ItemRetries = 0
	}
	if c.SecondsPerItem <= 0 {
		c.SecondsPerItem = d.SecondsPerItem
	}
	return c
}
