package protocol

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Kind discriminates the Message envelope.
type Kind string

const (
	KindChat    Kind = "chat"
	KindCommand Kind = "command"
	KindSystem  Kind = "system"
	KindDirect  Kind = "direct"
)

const (
	MaxContentRunes = 4096
	MaxNameRunes    = 32
)

// Message is one wire envelope. Clients fill Kind plus the fields for that
// kind; the server stamps ID, Sender and TimestampMS on everything it relays.
type Message struct {
	Kind        Kind     `json:"kind"`
	ID          string   `json:"id,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	To          string   `json:"to,omitempty"`
	Content     string   `json:"content,omitempty"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	TimestampMS uint64   `json:"timestamp_ms,omitempty"`
}

func Chat(content string) Message {
	return Message{Kind: KindChat, Content: content}
}

func Command(name string, args ...string) Message {
	return Message{Kind: KindCommand, Command: name, Args: args}
}

func System(text string) Message {
	return Message{Kind: KindSystem, Content: text}
}

func Direct(to, content string) Message {
	return Message{Kind: KindDirect, To: to, Content: content}
}

// Time returns the server timestamp, or the zero time when unset.
func (m Message) Time() time.Time {
	if m.TimestampMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m.TimestampMS))
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindChat, KindSystem:
		return validateContent(m.Content)
	case KindDirect:
		if strings.TrimSpace(m.To) == "" {
			return fmt.Errorf("%w: direct message missing recipient", ErrInvalidMessage)
		}
		return validateContent(m.Content)
	case KindCommand:
		name := strings.TrimSpace(m.Command)
		if name == "" {
			return fmt.Errorf("%w: missing command", ErrInvalidMessage)
		}
		if strings.ContainsFunc(name, unicode.IsSpace) {
			return fmt.Errorf("%w: command %q contains whitespace", ErrInvalidMessage, name)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentRunes)
	}
	return nil
}

// ValidateName checks a display name: 1-32 characters, no whitespace, not
// starting with '/'.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if n := utf8.RuneCountInString(name); n > MaxNameRunes {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidName, n, MaxNameRunes)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q starts with '/'", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidName, name)
		}
	}
	return nil
}
