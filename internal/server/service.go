// Package server runs the chat endpoint: an HTTP listener that upgrades /ws
// to WebSocket sessions joined to one shared room.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/chat"
	"github.com/danmuck/edgechat/internal/discovery"
	"github.com/danmuck/edgechat/internal/observability"
	"github.com/danmuck/edgechat/internal/protocol"
	"github.com/danmuck/edgechat/internal/protocol/session"
)

var ErrListen = errors.New("server: listen failed")

const shutdownNotice = "Server is shutting down."

// ServiceConfig is the chat endpoint configuration.
type ServiceConfig struct {
	ServerID   string
	Name       string
	ListenAddr string
	Path       string
	AuthToken  string
	// Credentials turns on in-room /login; user name to password.
	Credentials   map[string]string
	CORSOrigins   []string
	ReadLimit     int64
	ShutdownGrace time.Duration
	CloseWait     time.Duration
	Discovery     bool
	Room          chat.RoomConfig
	Session       session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ServerID:      "edgechat.local",
		Name:          "edgechat",
		ListenAddr:    ":8080",
		Path:          "/ws",
		ReadLimit:     protocol.MaxMessageBytes,
		ShutdownGrace: 5 * time.Second,
		CloseWait:     2 * time.Second,
		Room:          chat.DefaultRoomConfig(),
		Session:       session.DefaultConfig(),
	}
}

// Service owns the room, the HTTP router and every live WebSocket.
type Service struct {
	cfg       ServiceConfig
	room      *chat.Room
	upgrader  websocket.Upgrader
	validator auth.Validator
	// admin guards /users and also accepts basic auth credentials
	admin   auth.Validator
	logger  zerolog.Logger
	started time.Time

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}

	sessions sync.WaitGroup
	active   atomic.Int64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	d := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		cfg.ServerID = d.ServerID
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.ServerID
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = d.Path
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = d.ShutdownGrace
	}
	if cfg.CloseWait <= 0 {
		cfg.CloseWait = d.CloseWait
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Room.OutboxSize <= 0 {
		cfg.Room.OutboxSize = cfg.Session.OutboxSize
	}
	var logins auth.Validator
	if len(cfg.Credentials) > 0 {
		logins = auth.Credentials(cfg.Credentials).Validator()
		cfg.Room.Login = logins
	}

	svc := &Service{
		cfg:    cfg,
		room:   chat.NewRoom(cfg.Room),
		logger: observability.Component("server").With().Str("server_id", cfg.ServerID).Logger(),
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	if token := strings.TrimSpace(cfg.AuthToken); token != "" {
		svc.validator = auth.StaticToken{Token: token}
	}
	if svc.validator != nil || logins != nil {
		svc.admin = auth.AnyOf(svc.validator, logins)
	}
	return svc
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Room() *chat.Room {
	return s.room
}

// ActiveSessions counts upgraded connections that have not finished teardown.
func (s *Service) ActiveSessions() int64 {
	return s.active.Load()
}

// Run listens on the configured address and serves until ctx is done or the
// process receives SIGINT or SIGTERM.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

func (s *Service) ListenAndServe(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen opens the TCP or TLS listener. Failures wrap ErrListen.
func (s *Service) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: addr=%s: %v", ErrListen, s.cfg.ListenAddr, err)
	}
	if !s.cfg.Session.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: tls: %v", ErrListen, err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve accepts sessions on ln until ctx is done, then drains them. It owns
// ln and returns nil after a clean shutdown.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		_ = ln.Close()
		return err
	}
	observability.RegisterMetrics()
	s.started = time.Now()

	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	srv := &http.Server{
		Handler:           s.routes(sessionsCtx),
		ReadHeaderTimeout: s.cfg.Session.ReadTimeout,
	}

	advertiser := s.advertise(ln.Addr())
	defer func() { _ = advertiser.Close() }()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Bool("tls", s.cfg.Session.TLS.Enabled).Msg("listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		cancelSessions()
		s.closeAllConns()
		s.sessions.Wait()
		s.room.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.drain(srv, cancelSessions)
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// drain stops accepting, announces shutdown, lets every writer flush and send
// a going-away close, then force-closes whatever is left after the grace period.
func (s *Service) drain(srv *http.Server, cancelSessions context.CancelFunc) {
	s.logger.Info().Int64("sessions", s.active.Load()).Dur("grace", s.cfg.ShutdownGrace).Msg("shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	s.room.Announce(shutdownNotice)
	cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Int64("sessions", s.active.Load()).Msg("grace period elapsed, closing remaining sessions")
		s.closeAllConns()
		<-done
	}
	s.room.Close()
	s.logger.Info().Msg("stopped")
}

func (s *Service) advertise(addr net.Addr) *discovery.Advertiser {
	if !s.cfg.Discovery {
		return nil
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	adv, err := discovery.Advertise(discovery.Instance{
		ID:   s.cfg.ServerID,
		Name: s.cfg.Name,
		Port: tcp.Port,
		Path: s.cfg.Path,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("port", strconv.Itoa(tcp.Port)).Msg("mdns advertisement unavailable")
		return nil
	}
	return adv
}

func (s *Service) trackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
