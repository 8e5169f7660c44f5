package trigger

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// DefaultKeywords are the phrases that trigger an episode when heard.
var DefaultKeywords = []string{"help", "emergency", "sos"}

// VoiceDetector watches recognized speech for distress keywords.
type VoiceDetector struct {
	emit     Emitter
	keywords []string

	mu          sync.Mutex
	stream      SpeechStream
	unsubscribe func()
}

// NewVoiceDetector creates a VoiceDetector using DefaultKeywords.
func NewVoiceDetector(emit Emitter) *VoiceDetector {
	return &VoiceDetector{emit: emit, keywords: DefaultKeywords}
}

// Start subscribes to results and starts recognition in the given locale.
func (d *VoiceDetector) Start(stream SpeechStream, locale string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe == nil {
		d.unsubscribe = stream.OnResult(d.Handle)
	}
	d.stream = stream
	if err := stream.Start(locale); err != nil {
		slog.Warn("VoiceDetector.Start: recognition failed to start", "locale", locale, "error", err)
		return err
	}
	slog.Debug("VoiceDetector.Start: listening", "locale", locale)
	return nil
}

// Stop stops recognition and unsubscribes.
func (d *VoiceDetector) Stop() {
	d.mu.Lock()
	stream, unsubscribe := d.stream, d.unsubscribe
	d.stream, d.unsubscribe = nil, nil
	d.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Warn("VoiceDetector.Stop: recognition failed to stop", "error", err)
		}
	}
}

// Running reports whether the detector is subscribed.
func (d *VoiceDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubscribe != nil
}

// Handle checks one recognition result. Empty input is ignored.
func (d *VoiceDetector) Handle(text string) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return
	}
	for _, kw := range d.keywords {
		if strings.Contains(lower, kw) {
			slog.Info("VoiceDetector.Handle: keyword heard", "keyword", kw)
			d.emit(models.TriggerSourceVoice)
			return
		}
	}
}
