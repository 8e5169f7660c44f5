package trigger

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Set runs the automatic detectors and starts or stops them as settings change.
// The wearable detector always runs.
type Set struct {
	Shake    *ShakeDetector
	Voice    *VoiceDetector
	Wearable *WearableDetector

	motion MotionStream
	speech SpeechStream
	link   DeviceLinkStream

	mu     sync.Mutex
	locale string
}

// NewSet wires the detectors to one emitter and their streams.
func NewSet(emit Emitter, motion MotionStream, speech SpeechStream, link DeviceLinkStream, shakeOpts ...ShakeOption) *Set {
	return &Set{
		Shake:    NewShakeDetector(emit, shakeOpts...),
		Voice:    NewVoiceDetector(emit),
		Wearable: NewWearableDetector(emit),
		motion:   motion,
		speech:   speech,
		link:     link,
	}
}

// Apply starts or stops the shake and voice detectors to match the settings.
func (s *Set) Apply(settings models.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Wearable.Start(s.link)

	if settings.ShakeEnabled {
		s.Shake.Start(s.motion)
	} else if s.Shake.Running() {
		s.Shake.Stop()
	}

	switch {
	case settings.VoiceEnabled && (!s.Voice.Running() || s.locale != settings.VoiceLocale):
		if err := s.Voice.Start(s.speech, settings.VoiceLocale); err != nil {
			slog.Warn("Set.Apply: voice detector not started", "error", err)
		}
		s.locale = settings.VoiceLocale
	case !settings.VoiceEnabled && s.Voice.Running():
		s.Voice.Stop()
	}
	slog.Debug("Set.Apply: detectors updated", "shake", s.Shake.Running(), "voice", s.Voice.Running())
}

// Close stops every detector.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shake.Stop()
	s.Voice.Stop()
	s.Wearable.Stop()
}
