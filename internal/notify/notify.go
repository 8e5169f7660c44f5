// Package notify delivers alert text to a contact's phone.
//
// Silent services are tried in order; when all of them fail the message is handed to the
// user's phone composer so the user can send it by hand.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notice"
)

// ChannelAssisted names user-assisted delivery in receipts.
const ChannelAssisted = "assisted"

// Delivery describes how a message reached (or was handed off for) a contact.
type Delivery struct {
	Channel  string
	Assisted bool
}

// Channel sends a text to one phone number.
type Channel interface {
	Send(ctx context.Context, phone, text string) (Delivery, error)
}

// Assistant hands a message to the user for manual sending.
type Assistant interface {
	Compose(ctx context.Context, phone, text string) error
}

// Opts holds configuration options for the Notifier.
type Opts struct {
	Services  []messaging.Service
	Assistant Assistant
	Notices   notice.Poster
}

// Option defines a configuration option for the Notifier.
type Option func(*Opts)

// WithService appends a silent delivery service. Services are tried in the order added.
func WithService(s messaging.Service) Option {
	return func(o *Opts) {
		if s != nil {
			o.Services = append(o.Services, s)
		}
	}
}

// WithAssistant sets the assisted delivery fallback.
func WithAssistant(a Assistant) Option {
	return func(o *Opts) { o.Assistant = a }
}

// WithNotices sets where delivery problems are reported.
func WithNotices(p notice.Poster) Option {
	return func(o *Opts) { o.Notices = p }
}

// Notifier is the production Channel.
type Notifier struct {
	services  []messaging.Service
	assistant Assistant
	notices   notice.Poster
}

var _ Channel = (*Notifier)(nil)

// NewNotifier creates a Notifier.
func NewNotifier(opts ...Option) *Notifier {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Services) == 0 && cfg.Assistant == nil {
		slog.Warn("NewNotifier: no delivery services configured; every send will fail")
	}
	return &Notifier{services: cfg.Services, assistant: cfg.Assistant, notices: cfg.Notices}
}

// Send tries every silent service in order, then the assisted fallback.
func (n *Notifier) Send(ctx context.Context, phone, text string) (Delivery, error) {
	var errs []error
	for _, svc := range n.services {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		err := svc.SendMessage(ctx, phone, text)
		if err == nil {
			return Delivery{Channel: svc.Name()}, nil
		}
		slog.Warn("Notifier.Send: silent delivery failed", "channel", svc.Name(), "to", phone, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
	}

	if n.assistant != nil {
		err := n.assistant.Compose(ctx, phone, text)
		if err == nil {
			slog.Info("Notifier.Send: handed message to assisted delivery", "to", phone)
			n.post(models.NoticeAssistedDelivery, fmt.Sprintf("Could not send automatically to %s. Please send the prepared message.", phone))
			return Delivery{Channel: ChannelAssisted, Assisted: true}, nil
		}
		slog.Warn("Notifier.Send: assisted delivery failed", "to", phone, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", ChannelAssisted, err))
	}

	n.post(models.NoticeDeliveryFailed, fmt.Sprintf("Alert could not be delivered to %s.", phone))
	return Delivery{}, fmt.Errorf("%w: %s: %w", models.ErrNotificationDeliveryFailed, phone, errors.Join(errs...))
}

func (n *Notifier) post(kind models.NoticeKind, msg string) {
	if n.notices != nil {
		n.notices.Post(kind, msg)
	}
}
