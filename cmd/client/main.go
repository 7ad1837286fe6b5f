package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgechat/internal/chat"
	"github.com/danmuck/edgechat/internal/client"
	"github.com/danmuck/edgechat/internal/config"
	"github.com/danmuck/edgechat/internal/discovery"
	"github.com/danmuck/edgechat/internal/logging"
	"github.com/danmuck/edgechat/internal/protocol"
)

func main() {
	if _, err := logging.ConfigureRuntime(); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// prompter asks the user to pick among options, type a name or a password.
// The terminal version uses promptui; tests substitute their own.
type prompter interface {
	Select(label string, items []string) (int, error)
	Name(current string) (string, error)
	Password(attempt int, user string) (string, error)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var p prompter
	if isTerminal(stdin) {
		p = terminalPrompter{}
	}
	return runWith(ctx, args, stdin, stdout, stderr, p)
}

func runWith(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, p prompter) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to client config TOML")
	addr := fs.String("addr", "", "server host:port or ws:// URL")
	name := fs.String("name", "", "display name to set after connecting")
	token := fs.String("token", "", "bearer token for servers that require one")
	discover := fs.Bool("discover", false, "look for servers over mDNS")
	attempts := fs.Int("attempts", -1, "connect attempts before giving up, 0 retries forever")
	user := fs.String("user", "", "log in as this user on servers with credentials")
	loginAttempts := fs.Int("login-attempts", -1, "password attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	settings, err := config.LoadClient(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	cfg := settings.Client
	if *name != "" {
		cfg.Name = *name
	}
	if *token != "" {
		cfg.AuthToken = *token
	}
	if *attempts >= 0 {
		cfg.MaxConnectAttempts = *attempts
	}
	if *user != "" {
		cfg.User = *user
	}
	if *loginAttempts > 0 {
		cfg.MaxLoginAttempts = *loginAttempts
	}
	if p != nil {
		cfg.Prompt = p.Password
	}

	targets := settings.Targets
	if *addr == "" && (*discover || settings.Discover) {
		targets = append(targets, discovered(ctx, cfg.Session.TLS.Enabled)...)
	}
	if *addr != "" {
		cfg.Address = *addr
	} else if chosen, err := pickTarget(targets, cfg.Address, p); err != nil {
		return promptFailed(stderr, err)
	} else {
		cfg.Address = chosen
	}

	if cfg.Name == "" && cfg.User == "" && p != nil {
		chosen, err := p.Name(cfg.Name)
		if err != nil {
			return promptFailed(stderr, err)
		}
		cfg.Name = strings.TrimSpace(chosen)
	}

	c, err := client.New(cfg)
	if err != nil {
		return fail(stderr, err)
	}
	conn, err := c.Connect(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	r := client.NewRenderer(stdout, p != nil && isTerminal(stdout))
	_ = r.Notice("connected to %s, /help lists commands, /quit leaves", c.URL())
	if cfg.User != "" {
		_ = r.Notice("You are authenticated!")
	}
	for _, msg := range conn.Pending() {
		_ = r.Render(msg)
	}
	return converse(ctx, conn, stdin, r, stderr)
}

// converse pumps stdin lines to the server and server messages to r until one
// side ends.
func converse(ctx context.Context, conn *client.Conn, stdin io.Reader, r *client.Renderer, stderr io.Writer) int {
	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	leave := func() int {
		_ = conn.Close()
		for msg := range conn.Messages() {
			_ = r.Render(msg)
		}
		return 0
	}

	for {
		select {
		case <-ctx.Done():
			return leave()
		case msg, ok := <-conn.Messages():
			if !ok {
				return ended(conn.Err(), r, stderr)
			}
			_ = r.Render(msg)
		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "/quit", "/exit":
				return leave()
			}
			err := conn.SendLine(ctx, line)
			switch {
			case err == nil, errors.Is(err, protocol.ErrEmptyInput):
			case errors.Is(err, protocol.ErrInvalidMessage):
				_ = r.Notice("%v", err)
			default:
				return fail(stderr, err)
			}
		}
	}
}

func ended(err error, r *client.Renderer, stderr io.Writer) int {
	code, text, ok := client.CloseReason(err)
	if ok && (code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway) {
		if text == "" {
			text = "session closed"
		}
		_ = r.Notice("server closed the session: %s", text)
		return 0
	}
	if err == nil {
		err = client.ErrClosed
	}
	return fail(stderr, err)
}

// pickTarget returns fallback when nothing is configured, the only target
// when there is one, and otherwise asks p (or takes the first without one).
func pickTarget(targets []config.Target, fallback string, p prompter) (string, error) {
	switch {
	case len(targets) == 0:
		return fallback, nil
	case len(targets) == 1 || p == nil:
		return targets[0].Addr, nil
	}
	items := make([]string, 0, len(targets))
	for _, t := range targets {
		items = append(items, fmt.Sprintf("%s  %s", t.Name, t.Addr))
	}
	i, err := p.Select("Select a server", items)
	if err != nil {
		return "", err
	}
	return targets[i].Addr, nil
}

func discovered(ctx context.Context, secure bool) []config.Target {
	endpoints, err := discovery.Lookup(ctx, discovery.DefaultLookupTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("mdns lookup failed")
	}
	out := make([]config.Target, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, config.Target{Name: ep.String(), Addr: ep.URL(secure)})
	}
	return out
}

func fail(stderr io.Writer, err error) int {
	log.Error().Err(err).Msg("client stopped")
	fmt.Fprintf(stderr, "client: %v\n", err)
	return 1
}

func promptFailed(stderr io.Writer, err error) int {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return 0
	}
	return fail(stderr, err)
}

type terminalPrompter struct{}

func (terminalPrompter) Select(label string, items []string) (int, error) {
	sel := promptui.Select{Label: label, Items: items, Size: 10}
	i, _, err := sel.Run()
	return i, err
}

func (terminalPrompter) Name(current string) (string, error) {
	prompt := promptui.Prompt{
		Label:     "Name (blank for " + chat.DefaultName + ")",
		Default:   current,
		AllowEdit: true,
		Validate: func(s string) error {
			s = strings.TrimSpace(s)
			if s == "" {
				return nil
			}
			return protocol.ValidateName(s)
		},
	}
	return prompt.Run()
}

func (terminalPrompter) Password(attempt int, user string) (string, error) {
	label := "Password for " + user
	if attempt > 1 {
		label = fmt.Sprintf("%s (attempt %d)", label, attempt)
	}
	prompt := promptui.Prompt{Label: label, Mask: '*'}
	return prompt.Run()
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
