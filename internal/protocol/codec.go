package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageBytes bounds one encoded envelope.
const MaxMessageBytes = 64 * 1024

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return payload, nil
}

func Decode(payload []byte) (Message, error) {
	if len(payload) > MaxMessageBytes {
		return Message{}, ErrMessageTooLarge
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
