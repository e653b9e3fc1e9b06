// Package pattern schedules the send rate over the lifetime of a run.
package pattern

import (
	"context"
	"fmt"
	"time"
)

// Name identifies a pattern.
type Name string

const (
	Constant Name = "constant"
	Ramp     Name = "ramp"
	Spike    Name = "spike"
)

// Pattern calculates the target send rate based on elapsed time.
type Pattern interface {
	// Name returns the pattern identifier.
	Name() Name

	// Rate returns sends per second for the given elapsed time.
	Rate(elapsed time.Duration) float64
}

// Config holds pattern-specific configuration.
type Config struct {
	// Rate is the constant rate, the ramp end and the spike baseline.
	Rate float64

	// Ramp pattern
	RampStart    float64
	RampDuration time.Duration

	// Spike pattern
	SpikeRate     float64
	SpikeDuration time.Duration
	SpikeInterval time.Duration
}

// Registry manages pattern lookup by name.
type Registry struct {
	patterns map[Name]func(Config) (Pattern, error)
}

// NewRegistry creates a new pattern registry with all built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{
		patterns: make(map[Name]func(Config) (Pattern, error)),
	}

	r.Register(Constant, func(cfg Config) (Pattern, error) {
		return NewConstant(cfg.Rate), nil
	})
	r.Register(Ramp, func(cfg Config) (Pattern, error) {
		if cfg.RampDuration <= 0 {
			return nil, fmt.Errorf("ramp duration must be positive")
		}
		return NewRamp(cfg.RampStart, cfg.Rate, cfg.RampDuration), nil
	})
	r.Register(Spike, func(cfg Config) (Pattern, error) {
		if cfg.SpikeInterval <= 0 {
			return nil, fmt.Errorf("spike interval must be positive")
		}
		if cfg.SpikeDuration <= 0 || cfg.SpikeDuration > cfg.SpikeInterval {
			return nil, fmt.Errorf("spike duration must be positive and at most the interval")
		}
		if cfg.SpikeRate <= 0 {
			return nil, fmt.Errorf("spike rate must be positive")
		}
		return NewSpike(cfg.Rate, cfg.SpikeRate, cfg.SpikeDuration, cfg.SpikeInterval), nil
	})

	return r
}

// Register adds a pattern factory to the registry.
func (r *Registry) Register(name Name, factory func(Config) (Pattern, error)) {
	r.patterns[name] = factory
}

// Get returns a pattern instance for the given name and config.
func (r *Registry) Get(name Name, cfg Config) (Pattern, error) {
	factory, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", name)
	}
	return factory(cfg)
}

// ConstantPattern holds a fixed rate.
type ConstantPattern struct {
	rate float64
}

// NewConstant creates a constant rate pattern.
func NewConstant(rate float64) *ConstantPattern {
	return &ConstantPattern{rate: rate}
}

func (c *ConstantPattern) Name() Name { return Constant }

// Rate returns the constant rate regardless of elapsed time.
func (c *ConstantPattern) Rate(time.Duration) float64 { return c.rate }

// RampPattern increases the rate linearly.
type RampPattern struct {
	start, end float64
	duration   time.Duration
}

// NewRamp creates a ramp from start to end over duration. The rate holds at
// end afterwards.
func NewRamp(start, end float64, duration time.Duration) *RampPattern {
	return &RampPattern{start: start, end: end, duration: duration}
}

func (r *RampPattern) Name() Name { return Ramp }

// Rate returns the linearly interpolated rate.
func (r *RampPattern) Rate(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return r.start
	}
	if elapsed >= r.duration {
		return r.end
	}
	progress := float64(elapsed) / float64(r.duration)
	return r.start + progress*(r.end-r.start)
}

// SpikePattern runs at a baseline with periodic spikes.
type SpikePattern struct {
	baseline, spike float64
	duration        time.Duration
	interval        time.Duration
}

// NewSpike creates a spike pattern. Spikes occupy the last duration of every
// interval.
func NewSpike(baseline, spike float64, duration, interval time.Duration) *SpikePattern {
	return &SpikePattern{baseline: baseline, spike: spike, duration: duration, interval: interval}
}

func (s *SpikePattern) Name() Name { return Spike }

// Rate returns the spike rate inside a spike window, else the baseline.
func (s *SpikePattern) Rate(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed%s.interval >= s.interval-s.duration {
		return s.spike
	}
	return s.baseline
}

// RateSetter receives scheduled rates.
type RateSetter interface {
	SetRate(ratePerSec float64)
}

// Drive applies p to target immediately and then on every tick until ctx is
// done. The target is only updated when the rate changes.
func Drive(ctx context.Context, p Pattern, target RateSetter, tick time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last := -1.0
	apply := func() {
		if r := p.Rate(time.Since(start)); r != last {
			target.SetRate(r)
			last = r
		}
	}

	apply()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			apply()
		}
	}
}
