package protocol

import (
	"fmt"
	"strings"
)

// ParseInput turns one line typed by a user into a message. Lines starting
// with '/' are commands; "/dm <user> <text>" keeps the text verbatim.
func ParseInput(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, ErrEmptyInput
	}
	if !strings.HasPrefix(line, "/") {
		return Chat(line), nil
	}

	body := strings.TrimSpace(line[1:])
	name, rest, _ := strings.Cut(body, " ")
	name = strings.ToLower(name)
	if name == "" {
		return Message{}, fmt.Errorf("%w: empty command", ErrInvalidMessage)
	}
	rest = strings.TrimSpace(rest)

	if name == "dm" {
		to, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if to == "" || text == "" {
			return Message{}, fmt.Errorf("%w: usage /dm <user> <message>", ErrInvalidMessage)
		}
		return Command(name, to, text), nil
	}
	args := strings.Fields(rest)
	if len(args) == 0 {
		return Command(name), nil
	}
	return Command(name, args...), nil
}
