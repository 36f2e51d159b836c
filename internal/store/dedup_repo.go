package store

import (
	"time"
)

// DedupRecord represents an inbound channel message seen by the router.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SessionID   string     `json:"session_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops channel redeliveries of the same inbound message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID. It returns false if the message was
	// already recorded.
	RecordInbound(messageID, sessionID string) (bool, error)

	// MarkProcessed stamps the time the reply was produced.
	MarkProcessed(messageID string) error
}
