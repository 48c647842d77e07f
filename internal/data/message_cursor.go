package data

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promptline/agentd/internal/domain/model"
)

// messageCursorPayload is the decoded form of an opaque message cursor.
// Cursors are keyset positions over (created_at, id): the last message
// of the previous page.
type messageCursorPayload struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func encodeMessageCursorPayload(cur messageCursorPayload) (string, error) {
	raw, err := json.Marshal(cur)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeMessageCursorPayload(token string) (messageCursorPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return messageCursorPayload{}, fmt.Errorf("decode cursor: %w", err)
	}

	var cur messageCursorPayload
	err = json.Unmarshal(raw, &cur)
	if err != nil {
		return messageCursorPayload{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	if cur.ID == "" || cur.CreatedAt.IsZero() {
		return messageCursorPayload{}, errors.New("invalid cursor payload")
	}

	return cur, nil
}

// EncodeMessageCursor builds a cursor token positioned at the provided message.
func EncodeMessageCursor(msg *model.Message) (string, error) {
	if msg == nil {
		return "", errors.New("message is nil")
	}
	return encodeMessageCursorPayload(messageCursorPayload{
		CreatedAt: msg.CreatedAt,
		ID:        msg.ID,
	})
}
