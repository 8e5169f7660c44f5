// Package whatsapp wraps the Whatsmeow client used as SOSPipe's second silent alert channel.
//
// It links the service to a WhatsApp account (QR or numeric code login) and sends text alerts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the WhatsApp session database
	DefaultSQLitePath = "/var/lib/sospipe/whatsmeow.db"
	// DefaultLoginTimeout bounds how long startup waits for the account to be linked
	DefaultLoginTimeout = 2 * time.Minute
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Errors returned by the WhatsApp client.
var (
	ErrNotConnected   = errors.New("whatsapp client not connected")
	ErrLoginTimeout   = errors.New("whatsapp login not completed in time")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// WhatsAppSender is an interface for sending WhatsApp messages (for production and testing)
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN        string        // WhatsApp session database connection string
	QRPath       string        // path to write login QR code
	NumericCode  bool          // print the raw pairing code instead of a QR code
	LoginTimeout time.Duration // how long to wait for a first-time login
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithLoginTimeout bounds how long NewClient waits for a first-time login.
func WithLoginTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.LoginTimeout = d
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, links the account if needed and connects.
// A first-time login that is not completed within the login timeout fails with ErrLoginTimeout,
// so the service can start without WhatsApp.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath, LoginTimeout: DefaultLoginTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode, "login_timeout", cfg.LoginTimeout)

	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			waClient.Disconnect()
			return nil, err
		}
	} else {
		slog.Debug("whatsapp.NewClient: session found, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

// driverFor returns the database/sql driver for a session DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// openDevice opens the session database and returns the linked device, or a fresh one.
func openDevice(ctx context.Context, dsn string) (*wastore.Device, error) {
	driver := driverFor(dsn)
	if missingForeignKeys(dsn) {
		slog.Warn("whatsapp.openDevice: SQLite DSN without foreign keys; whatsmeow expects them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	slog.Debug("whatsapp.openDevice: device loaded", "driver", driver, "linked", device.ID != nil)
	return device, nil
}

// login runs the pairing flow, rendering each code to the configured output.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.LoginTimeout)
	defer cancel()

	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to start WhatsApp login: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}

	slog.Info("whatsapp.login: link this service from WhatsApp > Linked devices", "timeout", cfg.LoginTimeout)
	for {
		select {
		case <-ctx.Done():
			return ErrLoginTimeout
		case evt, ok := <-qrChan:
			if !ok {
				return ErrLoginTimeout
			}
			switch evt.Event {
			case "code":
				renderLoginCode(out, evt.Code, cfg.NumericCode)
			case "success":
				slog.Info("whatsapp.login: account linked")
				return nil
			default:
				slog.Warn("whatsapp.login: login event", "event", evt.Event)
				if evt.Error != nil {
					return fmt.Errorf("whatsapp login failed: %w", evt.Error)
				}
			}
		}
	}
}

// renderLoginCode writes a pairing code as a terminal QR code, or verbatim when numeric is set.
func renderLoginCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// missingForeignKeys reports whether an SQLite DSN lacks the foreign key pragma whatsmeow expects.
func missingForeignKeys(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// recipientJID builds the user JID for a canonical (digits only) phone number.
func recipientJID(to string) (types.JID, error) {
	if to == "" {
		return types.JID{}, ErrEmptyRecipient
	}
	return types.NewJID(to, JIDSuffix), nil
}

// SendMessage sends a text message to a canonical phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	jid, err := recipientJID(to)
	if err != nil {
		return err
	}
	if body == "" {
		return ErrEmptyBody
	}

	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Close disconnects from WhatsApp. The linked session stays in the database.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them (for tests).
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned by SendMessage.
	Err error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
