// Package client dials a chat server and exchanges messages over one
// WebSocket session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/observability"
	"github.com/danmuck/edgechat/internal/protocol"
	"github.com/danmuck/edgechat/internal/protocol/session"
)

var (
	ErrAddressRequired = errors.New("client: server address required")
	ErrConnect         = errors.New("client: connect failed")
	ErrUnauthorized    = errors.New("client: unauthorized")
	ErrClosed          = errors.New("client: connection closed")
)

type Config struct {
	// Address is host:port or a full ws:// or wss:// URL.
	Address   string
	Path      string
	Name      string
	AuthToken string
	// User logs in with /login after connecting when set.
	User             string
	Password         string
	MaxLoginAttempts int
	// Prompt asks for a password once Password is used up; nil gives up.
	Prompt PasswordFunc
	// MaxConnectAttempts bounds Connect; 0 retries until ctx is done.
	MaxConnectAttempts int
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		Address:            "127.0.0.1:8080",
		Path:               "/ws",
		MaxLoginAttempts:   DefaultMaxLoginAttempts,
		MaxConnectAttempts: 5,
		Session:            session.DefaultConfig(),
	}
}

type Client struct {
	cfg    Config
	target *url.URL
	logger zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.MaxConnectAttempts < 0 {
		cfg.MaxConnectAttempts = 0
	}
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	target, err := targetURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		target: target,
		logger: observability.Component("client").With().Str("server", target.String()).Logger(),
	}, nil
}

func (c *Client) URL() string {
	return c.target.String()
}

// Connect dials until it succeeds, the attempt budget is spent, or the
// server refuses the token. It then logs in when User is set. Failures wrap
// ErrConnect.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("connected")
			if strings.TrimSpace(c.cfg.User) != "" {
				if err := c.login(ctx, conn); err != nil {
					_ = conn.Close()
					return nil, fmt.Errorf("%w: %w", ErrConnect, err)
				}
			}
			if name := strings.TrimSpace(c.cfg.Name); name != "" {
				if err := conn.Send(ctx, protocol.Command("name", name)); err != nil {
					_ = conn.Close()
					return nil, fmt.Errorf("%w: set name: %w", ErrConnect, err)
				}
			}
			return conn, nil
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.cfg.MaxConnectAttempts).Msg("dial failed")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrConnect, c.target, attempt, ctx.Err())
		}
		if errors.Is(err, ErrUnauthorized) || !c.shouldRetry(attempt) {
			return nil, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrConnect, c.target, attempt, err)
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, c.target, err)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.Session.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}).DialContext,
	}
	if c.target.Scheme == "wss" {
		tlsCfg, err := c.cfg.Session.ClientTLSConfig(hostPort(c.target))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	header := http.Header{}
	if token := strings.TrimSpace(c.cfg.AuthToken); token != "" {
		header.Set("Authorization", auth.Header(token))
	}
	ws, resp, err := dialer.DialContext(ctx, c.target.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: status=%d", err, resp.StatusCode)
		}
		return nil, err
	}
	return newConn(ws, c.cfg.Session, c.logger), nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func targetURL(cfg Config) (*url.URL, error) {
	raw := strings.TrimSpace(cfg.Address)
	path := cfg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/ws"
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("client: parse address %q: %w", raw, err)
		}
		switch u.Scheme {
		case "ws", "wss":
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		default:
			return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return nil, ErrAddressRequired
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = path
		}
		return u, nil
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return nil, fmt.Errorf("client: address %q: %w", raw, err)
	}
	scheme := "ws"
	if cfg.Session.TLS.Enabled {
		scheme = "wss"
	}
	return &url.URL{Scheme: scheme, Host: raw, Path: path}, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
