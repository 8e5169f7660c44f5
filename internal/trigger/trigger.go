// Package trigger holds the detectors that can start an SOS episode.
//
// Each detector consumes a push stream from the device link and reports the trigger source
// to an Emitter. Detectors never look at episode state: the engine absorbs triggers while an
// episode is active.
package trigger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/benbjohnson/clock"
)

// Emitter receives detections.
type Emitter func(source models.TriggerSource)

// Engine is the part of the episode engine that accepts triggers.
type Engine interface {
	Trigger(ctx context.Context, ev models.TriggerEvent) (models.TriggerResult, error)
}

// MotionStream delivers acceleration magnitudes in m/s^2.
type MotionStream interface {
	Subscribe(cb func(magnitude float64)) (unsubscribe func())
}

// SpeechStream delivers recognized speech.
type SpeechStream interface {
	OnResult(cb func(text string)) (unsubscribe func())
	Start(locale string) error
	Stop() error
}

// DeviceLinkStream delivers wearable data and link loss.
type DeviceLinkStream interface {
	OnData(cb func(data []byte)) (unsubscribe func())
	OnDisconnect(cb func()) (unsubscribe func())
}

// DefaultSinkQueue is how many detections may wait for the engine.
const DefaultSinkQueue = 16

// Sink forwards detections to the engine from its own goroutine. Detectors run on device
// link read loops, and the engine may be busy sending commands that those loops must ack.
type Sink struct {
	ctx    context.Context
	engine Engine
	clock  clock.Clock
	queue  chan models.TriggerEvent
	done   chan struct{}
}

// NewSink creates a Sink and starts its worker. The worker stops when ctx is canceled,
// and ctx bounds every trigger the sink forwards.
func NewSink(ctx context.Context, engine Engine, clk clock.Clock) *Sink {
	if clk == nil {
		clk = clock.New()
	}
	s := &Sink{
		ctx:    ctx,
		engine: engine,
		clock:  clk,
		queue:  make(chan models.TriggerEvent, DefaultSinkQueue),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Emit queues a detection for the engine without waiting for it.
func (s *Sink) Emit(source models.TriggerSource) {
	ev := models.TriggerEvent{Source: source, Time: s.clock.Now()}
	select {
	case s.queue <- ev:
	default:
		// The worker is stuck behind a transition; a pending trigger already covers this one.
		slog.Warn("Sink.Emit: queue full, detection dropped", "source", source)
	}
}

// Done is closed once the worker has exited.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			s.forward(ev)
		}
	}
}

func (s *Sink) forward(ev models.TriggerEvent) {
	res, err := s.engine.Trigger(s.ctx, ev)
	switch {
	case errors.Is(err, models.ErrNoContactsConfigured):
		slog.Warn("Sink.forward: trigger refused, no contacts configured", "source", ev.Source)
	case err != nil:
		slog.Error("Sink.forward: trigger failed", "source", ev.Source, "error", err)
	default:
		slog.Info("Sink.forward: trigger handled", "source", ev.Source, "result", res)
	}
}

// Manual is the always-available user trigger.
type Manual struct {
	engine Engine
	clock  clock.Clock
}

// NewManual creates a Manual trigger.
func NewManual(engine Engine, clk clock.Clock) *Manual {
	if clk == nil {
		clk = clock.New()
	}
	return &Manual{engine: engine, clock: clk}
}

// Fire triggers an episode on the user's behalf.
func (m *Manual) Fire(ctx context.Context) (models.TriggerResult, error) {
	return m.FireAs(ctx, models.TriggerSourceManual)
}

// FireAs triggers an episode for a source reported by a device over HTTP.
func (m *Manual) FireAs(ctx context.Context, source models.TriggerSource) (models.TriggerResult, error) {
	if !models.IsValidTriggerSource(source) {
		return "", models.ErrInvalidTriggerSource
	}
	return m.engine.Trigger(ctx, models.TriggerEvent{Source: source, Time: m.clock.Now()})
}
