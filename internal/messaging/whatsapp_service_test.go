package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/SOSPipe/internal/whatsapp"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessage_Canonicalizes(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+1 (555) 010-0100", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mockClient.Messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].To != "15550100100" {
		t.Errorf("expected canonical recipient, got %q", sent[0].To)
	}
}

func TestWhatsAppService_SendMessage_ClientError(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.Err = errors.New("not connected")
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "5550100", "hello"); err == nil {
		t.Fatal("expected error from client")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5550100", "hello"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped after Stop, got %v", err)
	}
}
