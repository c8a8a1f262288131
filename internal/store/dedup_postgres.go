package store

import (
	"fmt"
	"time"
)

func (s *PostgresStore) RecordInbound(messageID, debtorKey string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, debtor_key, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, debtorKey, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) IsProcessed(messageID string) (bool, error) {
	var processed bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NOT NULL)`, messageID,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return processed, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, debtor_key, received_at, processed_at) VALUES ($1, '', $2, $2)
		 ON CONFLICT (message_id) DO UPDATE SET processed_at = EXCLUDED.processed_at`,
		messageID, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
