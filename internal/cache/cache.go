package cache

import (
	"fmt"
	"time"

	"github.com/matheus3301/pigeon/internal/store"
)

// recentWindow bounds the replay buffer. Replays are idempotent merges,
// so a small window is enough to cover a reader's polling gap.
const recentWindow = 50

// PublishRecent appends a message to the replay window, trims the
// window, and advances the signal counter. One transaction so readers
// never observe the counter ahead of the row.
func (db *DB) PublishRecent(msg store.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("publish recent: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO recent_messages (message_id, conversation_id, sender_id, receiver_id, content, timestamp, via_realtime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content,
		msg.Timestamp.UnixMilli(), boolToInt(msg.ViaRealtime), now)
	if err != nil {
		return fmt.Errorf("insert recent: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM recent_messages WHERE id NOT IN (
			SELECT id FROM recent_messages ORDER BY id DESC LIMIT ?
		)`, recentWindow)
	if err != nil {
		return fmt.Errorf("trim recent: %w", err)
	}

	_, err = tx.Exec(`UPDATE signal SET counter = counter + 1, updated_at = ? WHERE id = 1`, now)
	if err != nil {
		return fmt.Errorf("advance signal: %w", err)
	}

	return tx.Commit()
}

// Counter returns the current signal counter value.
func (db *DB) Counter() (int64, error) {
	var counter int64
	err := db.QueryRow(`SELECT counter FROM signal WHERE id = 1`).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("read signal: %w", err)
	}
	return counter, nil
}

// Recent returns the replay window in insertion order.
func (db *DB) Recent() ([]store.Message, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, sender_id, receiver_id, content, timestamp, via_realtime
		FROM recent_messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		var msg store.Message
		var ts int64
		var viaRealtime int
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &ts, &viaRealtime); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ts).UTC()
		msg.ViaRealtime = viaRealtime != 0
		msg.Delivery = store.Delivered
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
