package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SOSPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{client: client}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// Name returns the channel name.
func (s *WhatsAppService) Name() string {
	return ChannelWhatsApp
}

// ValidateAndCanonicalizeRecipient reduces the recipient to the digits used in a WhatsApp JID.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers an event handler that logs delivery confirmations from contacts.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}

	id := s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Receipt:
			s.handleMessageReceipt(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService connection lost")
		case *events.Connected:
			slog.Info("WhatsAppService connected")
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	go func() {
		<-ctx.Done()
		if client := s.waClient.GetClient(); client != nil {
			client.RemoveEventHandler(id)
		}
	}()
	return nil
}

// Stop marks the service stopped and disconnects the underlying client.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil {
		s.waClient.Close()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a WhatsApp text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}

	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonicalTo)
	return nil
}

// handleMessageReceipt logs delivery and read receipts from contacts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		slog.Info("WhatsAppService message delivered", "to", evt.MessageSource.Sender.User, "count", len(evt.MessageIDs))
	case events.ReceiptTypeRead:
		slog.Info("WhatsAppService message read", "to", evt.MessageSource.Sender.User, "count", len(evt.MessageIDs))
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type)
	}
}
