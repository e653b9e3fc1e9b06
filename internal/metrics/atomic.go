package metrics

import "sync/atomic"

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// Counter is a simple atomic counter with convenience methods.
type Counter struct {
	value int64
}

// Add adds delta to the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Dec decrements the counter by 1.
func (c *Counter) Dec() int64 {
	return atomic.AddInt64(&c.value, -1)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}

// Max raises the counter to val if val is larger.
func (c *Counter) Max(val int64) int64 {
	return AtomicMax(&c.value, val)
}

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value uint64
}

// Add adds delta to the counter.
func (c *UCounter) Add(delta uint64) uint64 {
	return atomic.AddUint64(&c.value, delta)
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return atomic.AddUint64(&c.value, 1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

// Outcomes counts load transactions by result for the current process.
type Outcomes struct {
	Sent   UCounter
	Passed UCounter
	Failed UCounter
}

// OutcomesSnapshot is a point-in-time copy of Outcomes.
type OutcomesSnapshot struct {
	Sent   uint64 `json:"sent"`
	Passed uint64 `json:"passed"`
	Failed uint64 `json:"failed"`
}

// Record counts one send result.
func (o *Outcomes) Record(passed bool) {
	o.Sent.Inc()
	if passed {
		o.Passed.Inc()
	} else {
		o.Failed.Inc()
	}
}

// Snapshot returns the current counts.
func (o *Outcomes) Snapshot() OutcomesSnapshot {
	return OutcomesSnapshot{
		Sent:   o.Sent.Load(),
		Passed: o.Passed.Load(),
		Failed: o.Failed.Load(),
	}
}
