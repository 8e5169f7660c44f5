package devicelink

import (
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Device roles accepted on the link.
const (
	RolePhone    = "phone"
	RoleWearable = "wearable"
)

// Inbound message types sent by the phone.
const (
	MsgMotion             = "motion"
	MsgSpeech             = "speech"
	MsgFix                = "fix"
	MsgAck                = "ack"
	MsgWearable           = "wearable"
	MsgWearableDisconnect = "wearable_disconnect"
)

// Outbound message types.
const (
	MsgCommand = "command"
	MsgNotice  = "notice"
)

// Command actions understood by the phone.
const (
	ActionRecordStart     = "record_start"
	ActionRecordStop      = "record_stop"
	ActionTorchOn         = "torch_on"
	ActionTorchOff        = "torch_off"
	ActionComposeSMS      = "compose_sms"
	ActionDial            = "dial"
	ActionLocationRequest = "location_request"
	ActionSpeechStart     = "speech_start"
	ActionSpeechStop      = "speech_stop"
)

// inbound is the envelope for JSON frames from the phone.
type inbound struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	OK        bool      `json:"ok,omitempty"`
	Error     string    `json:"error,omitempty"`
	Magnitude float64   `json:"magnitude,omitempty"`
	Text      string    `json:"text,omitempty"`
	Data      string    `json:"data,omitempty"`
	Lat       float64   `json:"lat,omitempty"`
	Lng       float64   `json:"lng,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// fix converts a fix frame; a missing accuracy becomes unknown.
func (m inbound) fix() models.Fix {
	acc := -1.0
	if m.Accuracy != nil {
		acc = *m.Accuracy
	}
	return models.Fix{Lat: m.Lat, Lng: m.Lng, Accuracy: acc, Timestamp: m.Timestamp}
}

// Outbound is the envelope for frames sent to the phone.
type Outbound struct {
	Type   string         `json:"type"`
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action,omitempty"`
	Phone  string         `json:"phone,omitempty"`
	Text   string         `json:"text,omitempty"`
	Locale string         `json:"locale,omitempty"`
	Notice *models.Notice `json:"notice,omitempty"`
}
