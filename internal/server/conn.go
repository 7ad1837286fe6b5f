package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/edgechat/internal/chat"
	"github.com/danmuck/edgechat/internal/observability"
	"github.com/danmuck/edgechat/internal/protocol"
)

// errSessionEnded stops the sibling loop once one side of a session is done.
var errSessionEnded = errors.New("server: session ended")

// serveConn runs one joined member's session. The caller has already
// counted it in s.sessions.
func (s *Service) serveConn(sessionsCtx context.Context, ws *websocket.Conn, member *chat.Member) {
	defer s.sessions.Done()
	s.trackConn(ws)
	defer s.untrackConn(ws)
	defer ws.Close()

	id := member.ID()
	logger := s.logger.With().Str("member", id).Str("remote", ws.RemoteAddr().String()).Logger()
	defer s.room.Leave(id)

	observability.SessionOpened()
	defer observability.SessionClosed()
	active := s.active.Add(1)
	logger.Info().Int64("active_sessions", active).Msg("client connected")
	defer func() {
		remaining := s.active.Add(-1)
		logger.Info().Int64("active_sessions", remaining).Msg("client disconnected")
	}()

	ws.SetReadLimit(s.cfg.ReadLimit)
	g, gctx := errgroup.WithContext(sessionsCtx)
	g.Go(func() error {
		return s.readLoop(gctx, ws, id)
	})
	g.Go(func() error {
		return s.writeLoop(gctx, sessionsCtx, ws, member)
	})
	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errSessionEnded):
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug().Err(err).Msg("session closed by peer")
	default:
		logger.Debug().Err(err).Msg("session ended")
	}
}

func (s *Service) readLoop(ctx context.Context, ws *websocket.Conn, id string) error {
	deadAfter := s.cfg.Session.DeadAfter()
	_ = ws.SetReadDeadline(time.Now().Add(deadAfter))
	ws.SetPongHandler(func(string) error {
		if ctx.Err() != nil {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(deadAfter))
	})

	for {
		kind, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() == nil {
			_ = ws.SetReadDeadline(time.Now().Add(deadAfter))
		}
		if kind != websocket.TextMessage {
			observability.RecordMessage("binary", "rejected")
			s.room.Notify(id, "Only text messages are accepted.")
			continue
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("member", id).Int("bytes", len(payload)).Msg("invalid message")
			observability.RecordMessage("", "rejected")
			s.room.Notify(id, "Invalid message: "+err.Error())
			continue
		}
		if err := s.room.Submit(id, msg); err != nil {
			if errors.Is(err, chat.ErrUnknownMember) {
				return errSessionEnded
			}
			s.logger.Warn().Err(err).Str("member", id).Str("kind", string(msg.Kind)).Msg("message rejected")
			observability.RecordMessage(string(msg.Kind), "rejected")
			s.room.Notify(id, "Message rejected: "+err.Error())
			continue
		}
		observability.RecordMessage(string(msg.Kind), "accepted")
	}
}

// writeLoop is the only writer of data frames on ws. On shutdown it flushes
// what is already queued before the going-away close.
func (s *Service) writeLoop(ctx, sessionsCtx context.Context, ws *websocket.Conn, m *chat.Member) error {
	ticker := time.NewTicker(s.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-m.Outbox():
			if !ok {
				switch {
				case s.room.Evicted(m):
					s.closeWith(ws, websocket.CloseTryAgainLater, "too slow")
				case s.room.LockedOut(m):
					s.closeWith(ws, websocket.ClosePolicyViolation, "too many failed logins")
				default:
					s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
				}
				return errSessionEnded
			}
			if err := s.writeMessage(ws, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.Session.WriteTimeout)); err != nil {
				return err
			}
		case <-ctx.Done():
			if sessionsCtx.Err() != nil {
				s.flush(ws, m)
				s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			}
			return errSessionEnded
		}
	}
}

func (s *Service) flush(ws *websocket.Conn, m *chat.Member) {
	for {
		select {
		case msg, ok := <-m.Outbox():
			if !ok {
				return
			}
			if err := s.writeMessage(ws, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Service) writeMessage(ws *websocket.Conn, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(msg.Kind)).Msg("dropping unencodable message")
		return nil
	}
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// closeWith sends a close frame and gives the peer CloseWait to answer
// before the blocked reader gives up.
func (s *Service) closeWith(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(s.cfg.Session.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.CloseWait))
}
