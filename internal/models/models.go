// Package models defines the core data structures for SOSPipe.
//
// It includes contacts, location fixes, SOS episodes, trigger events, delivery receipts and
// the JSON envelope used by the HTTP API. These types are shared across modules.
package models

import (
	"errors"
	"math"
	"time"
)

// TriggerSource identifies the detector that asked for an episode to start.
type TriggerSource string

const (
	// TriggerSourceManual is a direct user action (button, API call).
	TriggerSourceManual TriggerSource = "manual"
	// TriggerSourceShake is emitted by the shake detector.
	TriggerSourceShake TriggerSource = "shake"
	// TriggerSourceVoice is emitted by the voice-keyword detector.
	TriggerSourceVoice TriggerSource = "voice"
	// TriggerSourceWearable is emitted when the wearable sends the SOS token.
	TriggerSourceWearable TriggerSource = "wearable"
	// TriggerSourceWearableDisconnect is emitted when the wearable link drops unexpectedly.
	TriggerSourceWearableDisconnect TriggerSource = "wearable_disconnect"
)

// IsValidTriggerSource checks if the given trigger source is supported.
func IsValidTriggerSource(s TriggerSource) bool {
	switch s {
	case TriggerSourceManual, TriggerSourceShake, TriggerSourceVoice, TriggerSourceWearable, TriggerSourceWearableDisconnect:
		return true
	default:
		return false
	}
}

// TriggerResult reports how the engine handled a trigger it accepted.
type TriggerResult string

const (
	// TriggerActivated means the trigger started a new episode.
	TriggerActivated TriggerResult = "activated"
	// TriggerAbsorbed means an episode was already active and nothing changed.
	TriggerAbsorbed TriggerResult = "absorbed"
)

// Validation constants for contacts
const (
	// MaxContactNameLength defines the maximum allowed length for a contact name
	MaxContactNameLength = 100
	// MinPhoneDigits is the minimum number of digits a canonical phone number must have
	MinPhoneDigits = 6
	// MaxCallAttempts is the number of calls placed to one target before escalating
	MaxCallAttempts = 3
)

// Error variables for better error handling and testability
var (
	ErrNoContactsConfigured       = errors.New("no emergency contacts configured")
	ErrNoActiveEpisode            = errors.New("no active SOS episode")
	ErrLocationUnavailable        = errors.New("location unavailable")
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	ErrAuxiliaryControlFailed     = errors.New("auxiliary control failed")
	ErrContactNotFound            = errors.New("contact not found")
	ErrInvalidContact             = errors.New("invalid contact")
	ErrEmptyContactName           = errors.New("contact name cannot be empty")
	ErrContactNameTooLong         = errors.New("contact name exceeds maximum length")
	ErrInvalidTriggerSource       = errors.New("invalid trigger source")
)

// Contact is an emergency contact. The ID is opaque and unique within the contact store.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Validate performs basic validation of a contact before it is stored.
func (c *Contact) Validate() error {
	if c.Name == "" {
		return ErrEmptyContactName
	}
	if len(c.Name) > MaxContactNameLength {
		return ErrContactNameTooLong
	}
	if c.Phone == "" {
		return ErrInvalidContact
	}
	return nil
}

// Fix is an immutable location sample. Accuracy is in meters; a negative value means unknown.
type Fix struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// HasAccuracy reports whether the fix carries a usable accuracy estimate.
func (f Fix) HasAccuracy() bool {
	return f.Accuracy >= 0 && !math.IsNaN(f.Accuracy)
}

// TriggerEvent is emitted by a trigger source.
type TriggerEvent struct {
	Source TriggerSource `json:"source"`
	Time   time.Time     `json:"time"`
}

// Episode is one continuous emergency-alert session from trigger to stand-down.
// CurrentCallTarget and LastFix are nil when unknown.
type Episode struct {
	ID                string        `json:"id,omitempty"`
	Active            bool          `json:"active"`
	TriggerSource     TriggerSource `json:"trigger_source,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	LastFix           *Fix          `json:"last_fix,omitempty"`
	TrackingActive    bool          `json:"tracking_active"`
	CallAttempt       int           `json:"call_attempt"`
	CurrentCallTarget *Contact      `json:"current_call_target,omitempty"`
}

// EpisodeRecord is the persisted history of an episode.
type EpisodeRecord struct {
	ID            string        `json:"id"`
	TriggerSource TriggerSource `json:"trigger_source"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Active        bool          `json:"active"`
}

// Settings holds the user-configurable behaviour of the engine and detectors.
type Settings struct {
	AutoCallEnabled bool   `json:"auto_call_enabled"`
	VoiceLocale     string `json:"voice_locale"`
	ShakeEnabled    bool   `json:"shake_enabled"`
	VoiceEnabled    bool   `json:"voice_enabled"`
}

// DefaultSettings returns the settings used before the user changes anything.
func DefaultSettings() Settings {
	return Settings{
		AutoCallEnabled: true,
		VoiceLocale:     "en-US",
		ShakeEnabled:    true,
		VoiceEnabled:    true,
	}
}

// NotificationKind identifies which message template a notification used.
type NotificationKind string

const (
	NotificationKindActivation   NotificationKind = "activation"
	NotificationKindUpdate       NotificationKind = "update"
	NotificationKindDeactivation NotificationKind = "deactivation"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to a delivery channel.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates every delivery channel failed.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the outcome of one notification to one contact.
type Receipt struct {
	EpisodeID string           `json:"episode_id"`
	To        string           `json:"to"`
	Kind      NotificationKind `json:"kind"`
	Channel   string           `json:"channel,omitempty"`
	Status    MessageStatus    `json:"status"`
	Time      int64            `json:"time"`
}

// NoticeKind classifies a user-visible notice.
type NoticeKind string

const (
	NoticeNoContacts          NoticeKind = "no_contacts"
	NoticeLocationUnavailable NoticeKind = "location_unavailable"
	NoticeDeliveryFailed      NoticeKind = "delivery_failed"
	NoticeAssistedDelivery    NoticeKind = "assisted_delivery"
	NoticeAuxiliaryFailed     NoticeKind = "auxiliary_failed"
	NoticeCallFailed          NoticeKind = "call_failed"
	NoticeEpisodeStarted      NoticeKind = "episode_started"
	NoticeEpisodeEnded        NoticeKind = "episode_ended"
)

// Notice is a non-blocking message for the user-visible layer. Failures are reported
// this way instead of ending an episode.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
