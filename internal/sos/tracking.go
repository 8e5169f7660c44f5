package sos

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// startTracking turns on live updates unless the user switched them off.
func (e *Engine) startTracking(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stopped || e.run != r || r.trackingOff {
		return
	}
	e.episode.TrackingActive = true
	e.scheduleTrackingLocked(r)
	slog.Debug("Engine.startTracking: live tracking started", "episode_id", r.id, "interval", e.trackingInterval)
}

// SetTracking switches live updates on or off for the active episode.
func (e *Engine) SetTracking(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.episode.Active || e.run == nil {
		return models.ErrNoActiveEpisode
	}
	r := e.run
	r.trackingOff = !on
	if e.episode.TrackingActive == on {
		return nil
	}
	e.episode.TrackingActive = on
	if on {
		e.scheduleTrackingLocked(r)
	} else {
		r.timers.cancel(timerTracking)
	}
	slog.Info("Engine.SetTracking: live tracking toggled", "episode_id", r.id, "enabled", on)
	return nil
}

func (e *Engine) scheduleTrackingLocked(r *run) {
	if r.stopped {
		return
	}
	r.timers.scheduleAfter(timerTracking, e.trackingInterval, func() { e.trackingTick(r) })
}

// trackingTick fetches a fix and sends a LIVE UPDATE. A tick that finds the previous one
// still fetching is skipped.
func (e *Engine) trackingTick(r *run) {
	e.mu.Lock()
	if r.stopped || e.run != r || !e.episode.TrackingActive {
		e.mu.Unlock()
		return
	}
	e.scheduleTrackingLocked(r)
	if r.trackingInFlight {
		e.mu.Unlock()
		slog.Debug("Engine.trackingTick: previous tick still running, skipping", "episode_id", r.id)
		return
	}
	r.trackingInFlight = true
	r.wg.Add(1)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		r.trackingInFlight = false
		e.mu.Unlock()
		r.wg.Done()
	}()

	fix, err := e.location.GetCurrentFix(r.ctx, e.locationTimeout)
	if err != nil {
		slog.Debug("Engine.trackingTick: no fix this tick", "episode_id", r.id, "error", err)
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	e.setLastFix(r, fix)
	text := e.composer.Update(e.clock.Now(), fix)
	e.fanOut(r.ctx, r.id, models.NotificationKindUpdate, text)
}
