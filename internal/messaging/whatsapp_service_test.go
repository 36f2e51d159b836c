package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessageCanonicalizes(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+49 (123) 456-789", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].To != "49123456789" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
	if err := svc.SendMessage(context.Background(), "123", "hello"); err == nil {
		t.Error("expected error for short number")
	}
}

func TestWhatsAppService_IncomingText(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	text := "I need 3 iPhones"
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("4912345678", types.DefaultUserServer)},
			ID:            "WAMID-1",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	}
	svc.handleIncomingMessage(evt)

	select {
	case r := <-svc.Responses():
		if r.From != "+4912345678" || r.Body != text || r.MessageID != "WAMID-1" || r.Time != 1700000000 {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected a response")
	}
}

func TestWhatsAppService_IgnoresMediaAndOwnMessages(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	text := "echo"
	svc.handleIncomingMessage(&events.Message{Message: &waE2E.Message{}})
	svc.handleIncomingMessage(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{IsFromMe: true}},
		Message: &waE2E.Message{Conversation: &text},
	})
	select {
	case r := <-svc.Responses():
		t.Fatalf("unexpected response %+v", r)
	default:
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "4912345678", "x"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}
