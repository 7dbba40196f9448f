package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Notification struct {
	ID        NotificationID  `json:"id"`
	Type      string          `json:"type"`
	Read      bool            `json:"read"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NotificationID accepts both JSON strings and numbers
type NotificationID string

func (id *NotificationID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = NotificationID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("notification id must be a string or a number: %w", err)
	}
	*id = NotificationID(n.String())
	return nil
}
