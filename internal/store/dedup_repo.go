package store

import (
	"time"
)

// DedupRecord tracks one provider message ID seen on the inbound webhook.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	DebtorKey   string     `json:"debtor_key"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records inbound provider message IDs so replays are processed once.
type DedupRepo interface {
	// RecordInbound inserts a record. Returns false if the ID was already recorded.
	RecordInbound(messageID, debtorKey string) (bool, error)

	// IsProcessed reports whether the message has been fully handled.
	IsProcessed(messageID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}
