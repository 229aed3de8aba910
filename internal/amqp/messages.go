package amqp

import (
	"encoding/json"
	"time"
)

// CloseStatementMessage asks the statement worker to settle an instrument's
// most recently closed period. Ref anchors the period math; a zero Ref means
// "now" at processing time.
type CloseStatementMessage struct {
	UserID       string    `json:"user_id"`
	InstrumentID string    `json:"instrument_id"`
	Ref          time.Time `json:"ref,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewCloseStatementMessage(userID, instrumentID string, ref time.Time) *CloseStatementMessage {
	return &CloseStatementMessage{
		UserID:       userID,
		InstrumentID: instrumentID,
		Ref:          ref,
		Timestamp:    time.Now(),
	}
}

func (m *CloseStatementMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func CloseStatementMessageFromJSON(data []byte) (*CloseStatementMessage, error) {
	var msg CloseStatementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
