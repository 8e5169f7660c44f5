package sos

import (
	"context"

	"github.com/BTreeMap/SOSPipe/internal/messaging"
)

// Dialer starts a phone call. It is fire-and-forget: nil only means the call was initiated.
type Dialer interface {
	Call(ctx context.Context, phone string) error
}

// Auxiliary controls evidence capture on the user's phone. All calls are best-effort.
type Auxiliary interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	SetIllumination(ctx context.Context, on bool) error
}

// PhoneCaller places a voice call that reads an announcement (twiliophone.Client).
type PhoneCaller interface {
	PlaceCall(ctx context.Context, to string, announcement string) error
}

// VoiceDialer adapts a PhoneCaller to Dialer with a fixed announcement.
type VoiceDialer struct {
	caller       PhoneCaller
	announcement string
}

// NewVoiceDialer creates a VoiceDialer.
func NewVoiceDialer(caller PhoneCaller, announcement string) *VoiceDialer {
	return &VoiceDialer{caller: caller, announcement: announcement}
}

// Call places an announced call to phone.
func (d *VoiceDialer) Call(ctx context.Context, phone string) error {
	to, err := messaging.CanonicalizePhone(phone)
	if err != nil {
		return err
	}
	return d.caller.PlaceCall(ctx, to, d.announcement)
}
