package twiliowhatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "5491122334455", "Hola")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hola" || sent[0].SID != sid {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestMockClient_FailFor(t *testing.T) {
	mock := NewMockClient()
	mock.FailFor("111111", errors.New("rejected"))
	if _, err := mock.SendMessage(context.Background(), "111111", "x"); err == nil {
		t.Error("expected configured failure")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed sends must not be recorded")
	}
}

func TestMockClient_Concurrent(t *testing.T) {
	mock := NewMockClient()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mock.SendMessage(context.Background(), "222222", "x")
		}()
	}
	wg.Wait()
	if n := len(mock.Sent()); n != 20 {
		t.Errorf("expected 20 messages, got %d", n)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(WithAccountSID("AC123")); err == nil {
		t.Error("expected error without auth token")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sending number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}
