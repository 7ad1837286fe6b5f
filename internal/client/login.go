package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgechat/internal/chat"
	"github.com/danmuck/edgechat/internal/protocol"
)

const DefaultMaxLoginAttempts = chat.DefaultMaxLoginAttempts

var (
	ErrLoginFailed    = errors.New("client: login failed")
	ErrLoginLockedOut = errors.New("client: login attempts exhausted")
)

// PasswordFunc supplies the password for a login attempt (1-based). It is
// asked when no configured password is left to try.
type PasswordFunc func(attempt int, user string) (string, error)

// Login sends "/login user password" and waits for the server's verdict.
// Anything else that arrives first is kept for Pending.
func (c *Conn) Login(ctx context.Context, user, password string) error {
	if err := c.Send(ctx, protocol.Command("login", user, password)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.messages:
			if !ok {
				if err := c.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrClosed, err)
				}
				return ErrClosed
			}
			if msg.Kind != protocol.KindSystem {
				c.pending = append(c.pending, msg)
				continue
			}
			if done, err := loginVerdict(msg.Content); done {
				c.logger.Debug().Str("user", user).Err(err).Msg("login answered")
				return err
			}
			c.pending = append(c.pending, msg)
		}
	}
}

// Pending returns and clears the messages Login set aside.
func (c *Conn) Pending() []protocol.Message {
	out := c.pending
	c.pending = nil
	return out
}

func loginVerdict(text string) (bool, error) {
	switch {
	case strings.HasPrefix(text, chat.LoginSucceededPrefix),
		text == chat.NoLoginText,
		strings.HasPrefix(text, chat.AlreadyLoggedInPrefix):
		return true, nil
	case text == chat.LockedOutText:
		return true, ErrLoginLockedOut
	case strings.HasPrefix(text, chat.LoginFailedPrefix),
		strings.HasPrefix(text, chat.LoginUsagePrefix),
		strings.HasPrefix(text, chat.UserConnectedPrefix):
		return true, fmt.Errorf("%w: %s", ErrLoginFailed, text)
	default:
		return false, nil
	}
}

// login runs up to MaxLoginAttempts logins on conn. The configured password
// is tried first, then prompt is asked for each further attempt.
func (c *Client) login(ctx context.Context, conn *Conn) error {
	limit := c.cfg.MaxLoginAttempts
	if limit <= 0 {
		limit = DefaultMaxLoginAttempts
	}
	user := c.cfg.User
	for attempt := 1; attempt <= limit; attempt++ {
		password, err := c.password(attempt)
		if err != nil {
			return err
		}
		err = conn.Login(ctx, user, password)
		if err == nil {
			c.logger.Info().Str("user", user).Int("attempt", attempt).Msg("logged in")
			return nil
		}
		if !errors.Is(err, ErrLoginFailed) {
			return err
		}
		c.logger.Warn().Str("user", user).Int("attempt", attempt).Int("remaining", limit-attempt).Msg("login refused")
	}
	return fmt.Errorf("%w: %d attempt(s) as %s", ErrLoginLockedOut, limit, user)
}

func (c *Client) password(attempt int) (string, error) {
	if attempt == 1 && c.cfg.Password != "" {
		return c.cfg.Password, nil
	}
	if c.cfg.Prompt == nil {
		if attempt == 1 {
			return "", fmt.Errorf("%w: no password for %s", ErrLoginFailed, c.cfg.User)
		}
		return "", fmt.Errorf("%w: no password for %s", ErrLoginLockedOut, c.cfg.User)
	}
	return c.cfg.Prompt(attempt, c.cfg.User)
}
