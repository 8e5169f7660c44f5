package messaging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"unicode/utf8"

	"github.com/BTreeMap/SOSPipe/internal/twiliophone"
)

// MaxSMSBodyLength is the longest body Twilio accepts for a single message.
const MaxSMSBodyLength = 1600

// TwilioService delivers alerts as plain SMS through a twiliophone.Sender.
type TwilioService struct {
	client  twiliophone.Sender
	maxBody int
	stopped atomic.Bool
}

// TwilioOption customizes a TwilioService.
type TwilioOption func(*TwilioService)

// WithMaxBodyLength caps outgoing bodies at n characters. Values <= 0 are ignored.
func WithMaxBodyLength(n int) TwilioOption {
	return func(s *TwilioService) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewTwilioService wraps client, which may be the real Twilio client or twiliophone.MockClient.
func NewTwilioService(client twiliophone.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, maxBody: MaxSMSBodyLength}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) Name() string {
	return ChannelSMS
}

// ValidateAndCanonicalizeRecipient reduces a stored phone number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService.ValidateAndCanonicalizeRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

func (s *TwilioService) Stop() error {
	s.stopped.Store(true)
	return nil
}

// SendMessage sends body to the recipient as one SMS, truncating it to the configured maximum.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.stopped.Load() {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}

	if trimmed := truncateRunes(body, s.maxBody); len(trimmed) != len(body) {
		slog.Warn("TwilioService.SendMessage: body truncated", "to", canonicalTo, "limit", s.maxBody)
		body = trimmed
	}

	if err := s.client.SendSMS(ctx, canonicalTo, body); err != nil {
		return err
	}
	slog.Debug("TwilioService.SendMessage: sent", "to", canonicalTo, "length", utf8.RuneCountInString(body))
	return nil
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
