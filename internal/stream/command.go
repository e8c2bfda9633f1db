package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	actionSubscribe   = "SUBSCRIBE"
	actionUnsubscribe = "UNSUBSCRIBE"
)

type clientPayload struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// clientMessage is the inbound subscribe/unsubscribe envelope. A missing or
// unknown action means SUBSCRIBE.
type clientMessage struct {
	Action  string        `json:"action"`
	Payload clientPayload `json:"payload"`
}

func (m *clientMessage) isUnsubscribe() bool {
	return strings.EqualFold(m.Action, actionUnsubscribe)
}

// decodeClientMessage parses a raw frame. Some clients double-encode the
// envelope as a JSON string containing JSON; both forms are accepted.
func decodeClientMessage(raw []byte) (*clientMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		trimmed = []byte(inner)
	}
	var msg clientMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// splitSymbol validates the BASE/QUOTE form and returns its two tokens.
func splitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
