package trigger

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// WearableToken is the command word a wearable sends to ask for help.
const WearableToken = "SOS"

// WearableDetector triggers on the SOS token or on unexpected loss of the wearable link.
type WearableDetector struct {
	emit Emitter

	mu    sync.Mutex
	unsub []func()
}

// NewWearableDetector creates a WearableDetector.
func NewWearableDetector(emit Emitter) *WearableDetector {
	return &WearableDetector{emit: emit}
}

// Start subscribes to the device link.
func (d *WearableDetector) Start(link DeviceLinkStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		return
	}
	d.unsub = []func(){
		link.OnData(d.HandleData),
		link.OnDisconnect(d.HandleDisconnect),
	}
}

// Stop unsubscribes from the device link.
func (d *WearableDetector) Stop() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	for _, u := range unsub {
		u()
	}
}

// HandleData scans whitespace-delimited tokens for the SOS word, ignoring case and
// surrounding punctuation.
func (d *WearableDetector) HandleData(data []byte) {
	for _, tok := range strings.Fields(string(data)) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if strings.EqualFold(tok, WearableToken) {
			slog.Info("WearableDetector.HandleData: SOS token received")
			d.emit(models.TriggerSourceWearable)
			return
		}
	}
}

// HandleDisconnect reports an unexpected loss of the wearable link.
func (d *WearableDetector) HandleDisconnect() {
	slog.Warn("WearableDetector.HandleDisconnect: wearable link lost")
	d.emit(models.TriggerSourceWearableDisconnect)
}
