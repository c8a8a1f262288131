// Package messaging provides the outbound messaging gateway and phone
// normalization shared by every inbound and outbound path.
package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// Gateway sends a text to a debtor address and returns the provider message ID.
// Failures are *models.DeliveryError.
type Gateway interface {
	Send(ctx context.Context, address, text string) (string, error)
}

// Sender is implemented by provider clients (Twilio, whatsmeow, mocks).
// It receives an already normalized phone number.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// SenderGateway adapts a provider Sender to Gateway.
type SenderGateway struct {
	sender   Sender
	provider string
}

// Compile-time check that SenderGateway implements Gateway.
var _ Gateway = (*SenderGateway)(nil)

// NewGateway wraps sender. provider is used only for logging.
func NewGateway(sender Sender, provider string) *SenderGateway {
	return &SenderGateway{sender: sender, provider: provider}
}

// Send normalizes address, delivers text, and wraps any failure in a DeliveryError.
func (g *SenderGateway) Send(ctx context.Context, address, text string) (string, error) {
	phone, err := NormalizePhone(address)
	if err != nil {
		return "", &models.DeliveryError{Address: address, Cause: err}
	}
	id, err := g.sender.SendMessage(ctx, phone, text)
	if err != nil {
		slog.Error("SenderGateway.Send: delivery failed", "provider", g.provider, "to", phone, "error", err)
		return "", &models.DeliveryError{Address: phone, Cause: err}
	}
	slog.Debug("SenderGateway.Send: message sent", "provider", g.provider, "to", phone, "providerID", id)
	return id, nil
}
