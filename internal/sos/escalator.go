package sos

import "github.com/BTreeMap/SOSPipe/internal/models"

// EscalationState is the Escalator's view of the current call target.
type EscalationState struct {
	Target  models.Contact
	Attempt int
	Active  bool
	Idle    bool
}

// Escalator decides who to call next. The dialer cannot report whether a call was
// answered, so every re-check counts as unanswered. It holds no timers; the engine advances
// it with Tick on each re-check.
type Escalator struct {
	maxAttempts int
	state       EscalationState
}

// NewEscalator creates an Escalator that calls each target maxAttempts times.
func NewEscalator(maxAttempts int) *Escalator {
	if maxAttempts <= 0 {
		maxAttempts = models.MaxCallAttempts
	}
	return &Escalator{maxAttempts: maxAttempts}
}

// Start targets a contact. The call placed now is attempt 1.
func (e *Escalator) Start(target models.Contact) models.Contact {
	e.state = EscalationState{Target: target, Attempt: 1, Active: true}
	return target
}

// Tick advances after an unanswered attempt and returns the contact to call next.
// After maxAttempts on one target it moves to the next contact after the current one in
// store order, wrapping around. It returns false once there is nobody else to call.
func (e *Escalator) Tick(contacts []models.Contact) (models.Contact, bool) {
	if !e.state.Active || e.state.Idle {
		return models.Contact{}, false
	}
	if e.state.Attempt < e.maxAttempts {
		e.state.Attempt++
		return e.state.Target, true
	}
	next, ok := nextContact(contacts, e.state.Target.ID)
	if !ok {
		e.state.Idle = true
		return models.Contact{}, false
	}
	e.state.Target = next
	e.state.Attempt = 1
	return next, true
}

// State returns the current escalation state.
func (e *Escalator) State() EscalationState {
	return e.state
}

// Reset clears the escalation.
func (e *Escalator) Reset() {
	e.state = EscalationState{}
}

// nextContact returns the first contact after currentID in store order, wrapping, that is
// not currentID. If currentID was removed, the first contact is next.
func nextContact(contacts []models.Contact, currentID string) (models.Contact, bool) {
	start := 0
	for i, c := range contacts {
		if c.ID == currentID {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(contacts); i++ {
		c := contacts[(start+i)%len(contacts)]
		if c.ID != currentID {
			return c, true
		}
	}
	return models.Contact{}, false
}
