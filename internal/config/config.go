// Package config loads the server and client TOML files over the built-in
// defaults and renders starter templates.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/edgechat/internal/client"
	"github.com/danmuck/edgechat/internal/protocol"
	"github.com/danmuck/edgechat/internal/protocol/session"
	"github.com/danmuck/edgechat/internal/server"
)

// EnvPort overrides the port of the server listen address.
const EnvPort = "PORT"

var ErrInvalidConfig = errors.New("config: invalid")

// Lookup reads one environment value. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

type serverFile struct {
	ID            string      `toml:"id" comment:"server identity, reported by /health and mDNS"`
	Name          string      `toml:"name" comment:"display name advertised over mDNS"`
	Addr          string      `toml:"addr" comment:"listen address; the PORT environment variable replaces the port"`
	Path          string      `toml:"path" comment:"WebSocket endpoint path"`
	AuthToken     string      `toml:"auth_token" comment:"bearer token required on /ws and /users when set"`
	CORSOrigins   []string    `toml:"cors_origins"`
	Discovery     bool        `toml:"discovery" comment:"advertise over mDNS as _edgechat._tcp"`
	ShutdownGrace string      `toml:"shutdown_grace" comment:"how long sessions may drain on shutdown"`
	ReadLimit     int64       `toml:"read_limit" comment:"largest accepted frame in bytes"`
	HistorySize   int         `toml:"history_size" comment:"chat messages replayed to new members"`
	OutboxSize    int         `toml:"outbox_size" comment:"queued messages per member before it is dropped"`
	DefaultName   string      `toml:"default_name"`
	MaxLogins     int         `toml:"max_login_attempts" comment:"failed /login attempts before the connection is closed"`
	Session       sessionFile `toml:"session"`
	// user name to password; members must /login when any are set
	Credentials map[string]string `toml:"credentials,omitempty"`
}

type clientFile struct {
	Addr               string       `toml:"addr" comment:"host:port or ws:// URL; empty selects from servers or discovery"`
	Path               string       `toml:"path"`
	Name               string       `toml:"name" comment:"display name sent with /name after connecting"`
	AuthToken          string       `toml:"auth_token"`
	User               string       `toml:"user" comment:"log in with /login when the server has credentials"`
	Password           string       `toml:"password"`
	MaxLoginAttempts   int          `toml:"max_login_attempts" comment:"password prompts before giving up"`
	MaxConnectAttempts int          `toml:"max_connect_attempts" comment:"0 retries until interrupted"`
	Discover           bool         `toml:"discover" comment:"look for servers over mDNS"`
	Servers            []targetFile `toml:"servers"`
	Session            sessionFile  `toml:"session"`
}

type targetFile struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

type sessionFile struct {
	SecurityMode          string `toml:"security_mode" comment:"development or production; production requires mutual TLS"`
	ConnectTimeout        string `toml:"connect_timeout"`
	HandshakeTimeout      string `toml:"handshake_timeout"`
	ReadTimeout           string `toml:"read_timeout"`
	WriteTimeout          string `toml:"write_timeout"`
	HeartbeatInterval     string `toml:"heartbeat_interval"`
	PongTimeout           string `toml:"pong_timeout"`
	TLSEnabled            bool   `toml:"tls_enabled"`
	TLSMutual             bool   `toml:"tls_mutual"`
	TLSCertFile           string `toml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file"`
	TLSCAFile             string `toml:"tls_ca_file"`
	TLSServerName         string `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

// Target is one named server from the client file.
type Target struct {
	Name string
	Addr string
}

// ClientSettings is the loaded client file.
type ClientSettings struct {
	Client   client.Config
	Targets  []Target
	Discover bool
}

// LoadServer reads path over server.DefaultServiceConfig and applies PORT.
// An empty path yields the defaults.
func LoadServer(path string) (server.ServiceConfig, error) {
	return LoadServerWithEnv(path, os.LookupEnv)
}

func LoadServerWithEnv(path string, lookup Lookup) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()
	if strings.TrimSpace(path) != "" {
		var raw serverFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("load server config: %w", err)
		}
		if err := overlayServer(&cfg, raw, meta); err != nil {
			return server.ServiceConfig{}, fmt.Errorf("load server config %s: %w", path, err)
		}
	}
	addr, err := ApplyPort(cfg.ListenAddr, lookup)
	if err != nil {
		return server.ServiceConfig{}, err
	}
	cfg.ListenAddr = addr
	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateServer(cfg); err != nil {
		return server.ServiceConfig{}, err
	}
	return cfg, nil
}

func overlayServer(cfg *server.ServiceConfig, raw serverFile, meta toml.MetaData) error {
	if meta.IsDefined("id") {
		cfg.ServerID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("discovery") {
		cfg.Discovery = raw.Discovery
	}
	if meta.IsDefined("shutdown_grace") {
		d, err := parseDuration("shutdown_grace", raw.ShutdownGrace)
		if err != nil {
			return err
		}
		cfg.ShutdownGrace = d
	}
	if meta.IsDefined("read_limit") {
		cfg.ReadLimit = raw.ReadLimit
	}
	if meta.IsDefined("history_size") {
		cfg.Room.HistorySize = raw.HistorySize
	}
	if meta.IsDefined("outbox_size") {
		cfg.Room.OutboxSize = raw.OutboxSize
		cfg.Session.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("default_name") {
		cfg.Room.DefaultName = strings.TrimSpace(raw.DefaultName)
	}
	if meta.IsDefined("max_login_attempts") {
		cfg.Room.MaxLoginAttempts = raw.MaxLogins
	}
	if meta.IsDefined("credentials") {
		cfg.Credentials = raw.Credentials
	}
	return overlaySession(&cfg.Session, raw.Session, meta)
}

// LoadClient reads path over client.DefaultConfig. An empty path yields the
// defaults.
func LoadClient(path string) (ClientSettings, error) {
	out := ClientSettings{Client: client.DefaultConfig()}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}
	cfg := &out.Client
	if meta.IsDefined("addr") {
		cfg.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("max_login_attempts") {
		cfg.MaxLoginAttempts = raw.MaxLoginAttempts
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("discover") {
		out.Discover = raw.Discover
	}
	if err := overlaySession(&cfg.Session, raw.Session, meta); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config %s: %w", path, err)
	}
	for i, t := range raw.Servers {
		addr := strings.TrimSpace(t.Addr)
		if addr == "" {
			return ClientSettings{}, fmt.Errorf("%w: servers[%d] missing addr", ErrInvalidConfig, i)
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = addr
		}
		out.Targets = append(out.Targets, Target{Name: name, Addr: addr})
	}
	if cfg.MaxConnectAttempts < 0 || cfg.MaxLoginAttempts < 0 {
		return ClientSettings{}, fmt.Errorf("%w: attempt limits must be >= 0", ErrInvalidConfig)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config %s: %w", path, err)
	}
	return out, nil
}

func overlaySession(cfg *session.Config, raw sessionFile, meta toml.MetaData) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"pong_timeout", raw.PongTimeout, &cfg.PongTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("session", "tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("session", "tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("session", "tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("session", "tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("session", "tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("session", "tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	return nil
}

// ApplyPort replaces the port in addr with the PORT environment value.
func ApplyPort(addr string, lookup Lookup) (string, error) {
	if lookup == nil {
		return addr, nil
	}
	raw, ok := lookup(EnvPort)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return addr, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvPort, raw)
	}
	host := ""
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func ValidateServer(cfg server.ServiceConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: server addr is required", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("%w: server addr %q: %v", ErrInvalidConfig, cfg.ListenAddr, err)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("%w: path %q must start with '/'", ErrInvalidConfig, cfg.Path)
	}
	if cfg.Room.HistorySize < 0 || cfg.Room.OutboxSize < 0 || cfg.ReadLimit < 0 || cfg.Room.MaxLoginAttempts < 0 {
		return fmt.Errorf("%w: sizes must be >= 0", ErrInvalidConfig)
	}
	for user, password := range cfg.Credentials {
		if err := protocol.ValidateName(user); err != nil || strings.Contains(user, ":") {
			return fmt.Errorf("%w: credentials user %q is not a valid name", ErrInvalidConfig, user)
		}
		if password == "" {
			return fmt.Errorf("%w: credentials user %q has an empty password", ErrInvalidConfig, user)
		}
	}
	return cfg.Session.ValidateServerTransport()
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, raw)
	}
	return d, nil
}
