package sos

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// startEscalation calls the primary contact and schedules the first re-check.
func (e *Engine) startEscalation(r *run) {
	target, err := e.contacts.Primary(r.ctx)
	if err != nil {
		slog.Error("Engine.startEscalation: failed to resolve primary contact", "episode_id", r.id, "error", err)
		return
	}
	if target == nil {
		slog.Warn("Engine.startEscalation: no contact to call", "episode_id", r.id)
		return
	}

	e.mu.Lock()
	if r.stopped || e.run != r {
		e.mu.Unlock()
		return
	}
	r.escalator.Start(*target)
	e.episode.CallAttempt = 1
	t := *target
	e.episode.CurrentCallTarget = &t
	e.scheduleCallLocked(r)
	e.mu.Unlock()

	e.placeCall(r, *target, 1)
}

func (e *Engine) scheduleCallLocked(r *run) {
	if r.stopped {
		return
	}
	r.timers.scheduleAfter(timerCall, e.callRetryDelay, func() { e.callTick(r) })
}

// callTick treats the previous call as unanswered and places the next one.
func (e *Engine) callTick(r *run) {
	if !e.enter(r) {
		return
	}
	defer r.wg.Done()

	contacts, err := e.contacts.List(r.ctx)
	if err != nil {
		slog.Error("Engine.callTick: failed to list contacts", "episode_id", r.id, "error", err)
		e.mu.Lock()
		e.scheduleCallLocked(r)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if r.stopped {
		e.mu.Unlock()
		return
	}
	target, ok := r.escalator.Tick(contacts)
	if !ok {
		e.episode.CurrentCallTarget = nil
		e.mu.Unlock()
		slog.Info("Engine.callTick: no alternate contact, escalation idle", "episode_id", r.id)
		return
	}
	attempt := r.escalator.State().Attempt
	e.episode.CallAttempt = attempt
	t := target
	e.episode.CurrentCallTarget = &t
	e.scheduleCallLocked(r)
	e.mu.Unlock()

	e.placeCall(r, target, attempt)
}

// placeCall dials a contact. Failures become notices and never stop escalation.
func (e *Engine) placeCall(r *run, target models.Contact, attempt int) {
	if e.dialer == nil {
		slog.Debug("Engine.placeCall: no dialer, skipping call", "episode_id", r.id, "to", target.Phone, "attempt", attempt)
		e.metrics.RecordCallAttempt("skipped")
		return
	}
	if err := e.dialer.Call(r.ctx, target.Phone); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		slog.Warn("Engine.placeCall: call failed", "episode_id", r.id, "to", target.Phone, "attempt", attempt, "error", err)
		e.metrics.RecordCallAttempt("failed")
		e.post(models.NoticeCallFailed, fmt.Sprintf("Could not call %s.", target.Name))
		return
	}
	slog.Info("Engine.placeCall: call placed", "episode_id", r.id, "to", target.Phone, "contact", target.Name, "attempt", attempt)
	e.metrics.RecordCallAttempt("placed")
}
