package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/benbjohnson/clock"
)

// Shake detector defaults.
const (
	DefaultShakeThreshold = 25.0
	DefaultShakeWindow    = 3 * time.Second
	DefaultShakeCount     = 5
)

// ShakeOption configures a ShakeDetector.
type ShakeOption func(*ShakeDetector)

// WithShakeThreshold sets the magnitude a sample must exceed to qualify.
func WithShakeThreshold(threshold float64) ShakeOption {
	return func(d *ShakeDetector) { d.threshold = threshold }
}

// WithShakeClock sets the time source.
func WithShakeClock(c clock.Clock) ShakeOption {
	return func(d *ShakeDetector) { d.clock = c }
}

// ShakeDetector counts qualifying acceleration samples. The count resets when no
// qualifying sample arrived for the window, and immediately after a trigger.
type ShakeDetector struct {
	emit      Emitter
	clock     clock.Clock
	threshold float64
	window    time.Duration
	required  int

	mu          sync.Mutex
	count       int
	last        time.Time
	unsubscribe func()
}

// NewShakeDetector creates a ShakeDetector.
func NewShakeDetector(emit Emitter, opts ...ShakeOption) *ShakeDetector {
	d := &ShakeDetector{
		emit:      emit,
		clock:     clock.New(),
		threshold: DefaultShakeThreshold,
		window:    DefaultShakeWindow,
		required:  DefaultShakeCount,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to the motion stream. Starting twice is a no-op.
func (d *ShakeDetector) Start(stream MotionStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		return
	}
	d.unsubscribe = stream.Subscribe(d.Observe)
	slog.Debug("ShakeDetector.Start: subscribed", "threshold", d.threshold)
}

// Stop unsubscribes and clears the count.
func (d *ShakeDetector) Stop() {
	d.mu.Lock()
	unsubscribe := d.unsubscribe
	d.unsubscribe = nil
	d.count = 0
	d.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Running reports whether the detector is subscribed.
func (d *ShakeDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubscribe != nil
}

// Observe feeds one acceleration magnitude.
func (d *ShakeDetector) Observe(magnitude float64) {
	// NaN compares false, so it never qualifies.
	if !(magnitude > d.threshold) {
		return
	}
	d.mu.Lock()
	now := d.clock.Now()
	d.expireLocked(now)
	d.count++
	d.last = now
	fire := d.count >= d.required
	if fire {
		d.count = 0
	}
	d.mu.Unlock()

	if fire {
		slog.Info("ShakeDetector.Observe: shake detected", "magnitude", magnitude)
		d.emit(models.TriggerSourceShake)
	}
}

// Count returns the live count of qualifying samples.
func (d *ShakeDetector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.clock.Now())
	return d.count
}

func (d *ShakeDetector) expireLocked(now time.Time) {
	if d.count > 0 && now.Sub(d.last) >= d.window {
		d.count = 0
	}
}
