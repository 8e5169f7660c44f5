// Package twiliophone wraps the Twilio REST API for SMS delivery and outbound voice calls.
package twiliophone

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the subset of the Twilio API used by SOSPipe (for production and testing).
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) error
	PlaceCall(ctx context.Context, to string, announcement string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 number SMS and calls originate from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST client.
type Client struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewClient creates a Twilio client. Options left empty fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromNumber: cfg.FromNumber,
	}, nil
}

// SendSMS sends a text message using the Twilio Messages API.
func (c *Client) SendSMS(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio SMS sent", "to", to, "sid", sid)
	return nil
}

// PlaceCall starts an outbound voice call that reads the announcement aloud.
// Twilio only confirms the call was queued; whether it is answered is not observable here.
func (c *Client) PlaceCall(ctx context.Context, to string, announcement string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetTwiml(BuildAnnouncementTwiML(announcement))

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "to", to, "error", err)
		return fmt.Errorf("failed to place call to %s: %w", to, err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio call queued", "to", to, "sid", sid)
	return nil
}

// BuildAnnouncementTwiML renders a TwiML document that speaks the announcement twice.
func BuildAnnouncementTwiML(announcement string) string {
	var escaped strings.Builder
	if err := xml.EscapeText(&escaped, []byte(announcement)); err != nil {
		escaped.Reset()
		escaped.WriteString("Emergency alert.")
	}
	say := "<Say>" + escaped.String() + "</Say>"
	return `<?xml version="1.0" encoding="UTF-8"?><Response>` + say + `<Pause length="1"/>` + say + `</Response>`
}

// MockClient records SMS and calls instead of contacting Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Calls        []PlacedCall
	// SMSErr, when set, is returned by SendSMS.
	SMSErr error
	// CallErr, when set, is returned by PlaceCall.
	CallErr error
}

type SentMessage struct {
	To   string
	Body string
}

type PlacedCall struct {
	To           string
	Announcement string
}

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		Calls:        []PlacedCall{},
	}
}

func (m *MockClient) SendSMS(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SMSErr != nil {
		return m.SMSErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) PlaceCall(ctx context.Context, to string, announcement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallErr != nil {
		return m.CallErr
	}
	m.Calls = append(m.Calls, PlacedCall{To: to, Announcement: announcement})
	return nil
}

// Messages returns a copy of the recorded SMS.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// PlacedCalls returns a copy of the recorded calls.
func (m *MockClient) PlacedCalls() []PlacedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlacedCall(nil), m.Calls...)
}
