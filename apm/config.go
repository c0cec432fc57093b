package apm

import (
	"fmt"
	"sync/atomic"
)

// traceEnabled gates the debug-level tracing of range-adjustment and
// ring-buffer reset decisions described in SPEC_FULL.md's supplemented
// debug-tracing feature. Set once from Config.Debug when newAggregator
// constructs the aggregator; never consulted on the Update fast path.
var traceEnabled atomic.Bool

// Window/scale bounds, carried as named constants rather than inline
// magic numbers so callers building a Config by hand get the same
// guardrails the original module's config parser enforced
// (TFW_APM_MIN/MAX_TMWSCALE, TFW_APM_MIN/MAX/DEF_TMWINDOW in
// tempesta_fw/apm.c).
const (
	MinScale     = 1
	MaxScale     = 50
	DefaultScale = 5

	MinWindowSeconds     = 60
	MaxWindowSeconds     = 3600
	DefaultWindowSeconds = 300

	// MinTickIntervalMillis is the floor on the derived per-slot
	// interval (window/scale). A Config whose derived interval falls
	// below this is rejected outright rather than silently clamped.
	MinTickIntervalMillis = 5000
)

// Config controls the shape of one engine's sliding window: WindowSeconds
// seconds of history, divided into ScaleSlots histogram slots. The
// derived per-slot interval (WindowSeconds*1000/ScaleSlots ms) must be at
// least MinTickIntervalMillis or Validate rejects it — a window sliced
// too finely defeats the purpose of aggregating samples per slot
// (spec.md §6).
type Config struct {
	WindowSeconds int
	ScaleSlots    int
	// Debug routes range-adjustment and reset tracing through the
	// standard log package from the aggregator goroutine. Never
	// consulted on the Update fast path (SPEC_FULL.md AMBIENT STACK).
	Debug bool
}

// DefaultConfig mirrors monitoring.DefaultConfig / warming.DefaultConfig:
// a ready-to-use Config needing no caller input.
func DefaultConfig() Config {
	return Config{
		WindowSeconds: DefaultWindowSeconds,
		ScaleSlots:    DefaultScale,
	}
}

// Validate enforces spec.md §6's range table. A Config that fails
// Validate must prevent the engine from starting (§7, "Config range
// error") rather than silently clamp to a default.
func (c Config) Validate() error {
	if c.WindowSeconds < MinWindowSeconds || c.WindowSeconds > MaxWindowSeconds {
		return fmt.Errorf("apm: window seconds %d out of range [%d,%d]", c.WindowSeconds, MinWindowSeconds, MaxWindowSeconds)
	}
	if c.ScaleSlots < MinScale || c.ScaleSlots > MaxScale {
		return fmt.Errorf("apm: scale %d out of range [%d,%d]", c.ScaleSlots, MinScale, MaxScale)
	}
	scale := c.ScaleSlots
	if scale < 2 {
		scale = 2
	}
	windowMs := c.WindowSeconds * 1000
	intervalMs := (windowMs + scale - 1) / scale
	if intervalMs < MinTickIntervalMillis {
		return fmt.Errorf("apm: derived interval %dms below floor %dms (window=%ds, scale=%d)", intervalMs, MinTickIntervalMillis, c.WindowSeconds, scale)
	}
	return nil
}

// slots is the effective slot count after promoting scale<2 to 2, per
// spec.md §6's "scale 1..50 promoted to ≥2".
func (c Config) slots() int {
	if c.ScaleSlots < 2 {
		return 2
	}
	return c.ScaleSlots
}

// intervalMillis is the derived per-slot tick interval in milliseconds,
// rounded up (spec.md §4.2/§6, matching apm.c's
// jtmwindow/tmwscale + !!(jtmwindow%tmwscale) ceiling division) so the
// window is never sliced into an interval shorter than intended.
func (c Config) intervalMillis() uint64 {
	windowMs := uint64(c.WindowSeconds) * 1000
	scale := uint64(c.slots())
	return (windowMs + scale - 1) / scale
}
