package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/protocol"
)

const (
	unknownCommandText = "Unknown command. Type /help for a list of commands."
	helpText           = "Commands: /name <name> sets your name, /list shows connected users, /dm <user> <message> sends a private message, /login <user> <password> signs in, /help shows this text."
	loginHelpText      = "Log in with /login <user> <password>."
	loginRequiredText  = "Please log in first. " + loginHelpText

	// replies a client matches to learn how a /login went
	LoginSucceededPrefix  = "Authentication successful."
	LoginFailedPrefix     = "Authentication failed."
	LoginUsagePrefix      = "Usage: /login"
	UserConnectedPrefix   = "User '"
	AlreadyLoggedInPrefix = "You are already logged in"
	NoLoginText           = "This server does not require a login."
	LockedOutText         = "Max login attempts reached. Connection closed."
)

type commandHandler func(r *Room, m *Member, args []string)

var commands = map[string]commandHandler{
	"name":  (*Room).cmdName,
	"list":  (*Room).cmdList,
	"dm":    (*Room).cmdDirect,
	"help":  (*Room).cmdHelp,
	"login": (*Room).cmdLogin,
}

// Commands lists the command names the room answers.
func Commands() []string {
	return []string{"name", "list", "dm", "help", "login"}
}

func (r *Room) dispatchLocked(m *Member, name string, args []string) {
	h, ok := commands[name]
	if !ok {
		r.logger.Debug().Str("member", m.id).Str("command", name).Msg("unknown command")
		r.sendLocked(m, r.systemLocked(unknownCommandText))
		return
	}
	h(r, m, args)
}

func (r *Room) cmdName(m *Member, args []string) {
	if len(args) != 1 {
		r.sendLocked(m, r.systemLocked("Usage: /name <name>"))
		return
	}
	name := args[0]
	if err := r.renameLocked(m, name); err != nil {
		switch {
		case errors.Is(err, ErrNameTaken):
			r.sendLocked(m, r.systemLocked(fmt.Sprintf("The name '%s' is already taken.", name)))
		default:
			r.sendLocked(m, r.systemLocked(fmt.Sprintf("Invalid name '%s'.", name)))
		}
		return
	}
	r.sendLocked(m, r.systemLocked(fmt.Sprintf("Your name is now set to '%s'", name)))
}

func (r *Room) renameLocked(m *Member, name string) error {
	if err := protocol.ValidateName(name); err != nil {
		return err
	}
	for _, other := range r.namedLocked(name) {
		if other != m {
			return ErrNameTaken
		}
	}
	old := m.name
	m.name = name
	r.logger.Debug().Str("member", m.id).Str("from", old).Str("to", name).Msg("member renamed")
	return nil
}

func (r *Room) cmdList(m *Member, _ []string) {
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if other := r.members[id]; other.authed {
			names = append(names, other.name)
		}
	}
	r.sendLocked(m, r.systemLocked("Connected users: "+strings.Join(names, ", ")))
}

func (r *Room) cmdDirect(m *Member, args []string) {
	if len(args) < 2 {
		r.sendLocked(m, r.systemLocked("Usage: /dm <user> <message>"))
		return
	}
	r.directLocked(m, args[0], strings.Join(args[1:], " "))
}

func (r *Room) cmdHelp(m *Member, _ []string) {
	if !m.authed {
		r.sendLocked(m, r.systemLocked(loginHelpText))
		return
	}
	r.sendLocked(m, r.systemLocked(helpText))
}

// preLoginLocked answers a member that has not authenticated yet. Only
// /login and /help are served.
func (r *Room) preLoginLocked(m *Member, msg protocol.Message) {
	if msg.Kind == protocol.KindCommand {
		switch name := strings.ToLower(msg.Command); name {
		case "login", "help":
			r.dispatchLocked(m, name, msg.Args)
			return
		}
	}
	r.sendLocked(m, r.systemLocked(loginRequiredText))
}

func (r *Room) cmdLogin(m *Member, args []string) {
	switch {
	case r.cfg.Login == nil:
		r.sendLocked(m, r.systemLocked(NoLoginText))
		return
	case m.authed:
		r.sendLocked(m, r.systemLocked(fmt.Sprintf("%s as '%s'.", AlreadyLoggedInPrefix, m.name)))
		return
	case len(args) < 2:
		r.sendLocked(m, r.systemLocked(LoginUsagePrefix+" <user> <password>"))
		return
	}
	user, password := args[0], strings.Join(args[1:], " ")
	if protocol.ValidateName(user) != nil || r.cfg.Login.Validate(auth.Pair(user, password)) != nil {
		r.loginFailedLocked(m, user)
		return
	}
	if len(r.namedLocked(user)) > 0 {
		r.sendLocked(m, r.systemLocked(fmt.Sprintf("%s%s' is already connected.", UserConnectedPrefix, user)))
		return
	}
	m.authed = true
	m.failures = 0
	m.name = user
	r.logger.Info().Str("member", m.id).Str("user", user).Msg("member authenticated")
	r.sendLocked(m, r.systemLocked(fmt.Sprintf("%s Welcome, %s!", LoginSucceededPrefix, user)))
	r.replayLocked(m)
}

func (r *Room) loginFailedLocked(m *Member, user string) {
	m.failures++
	remaining := r.cfg.MaxLoginAttempts - m.failures
	r.logger.Warn().Str("member", m.id).Str("user", user).Int("remaining", remaining).Msg("login failed")
	if remaining > 0 {
		r.sendLocked(m, r.systemLocked(fmt.Sprintf("%s %d attempts remaining.", LoginFailedPrefix, remaining)))
		return
	}
	r.sendLocked(m, r.systemLocked(LockedOutText))
	m.lockedOut = true
	r.removeLocked(m)
}

// directLocked delivers to the named member and echoes to the sender.
func (r *Room) directLocked(m *Member, to, content string) {
	named := r.namedLocked(to)
	if len(named) == 0 {
		r.sendLocked(m, r.systemLocked(fmt.Sprintf("No user named '%s' is connected.", to)))
		return
	}
	if len(named) > 1 {
		r.sendLocked(m, r.systemLocked(fmt.Sprintf("More than one user is named '%s'. Ask them to pick a /name.", to)))
		return
	}
	target := named[0]
	out := protocol.Message{
		Kind:        protocol.KindDirect,
		ID:          r.newID(),
		Sender:      m.name,
		To:          target.name,
		Content:     content,
		TimestampMS: r.stampLocked(),
	}
	m.count++
	r.sendLocked(target, out)
	if target != m {
		r.sendLocked(m, out)
	}
}
