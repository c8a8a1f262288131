package store

import (
	"fmt"
	"time"
)

func (s *SQLiteStore) RecordInbound(messageID, debtorKey string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, debtor_key, received_at) VALUES (?, ?, ?)`,
		messageID, debtorKey, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) IsProcessed(messageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM inbound_dedup WHERE message_id = ? AND processed_at IS NOT NULL`, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, debtor_key, received_at, processed_at) VALUES (?, '', ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET processed_at = excluded.processed_at`,
		messageID, now, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
