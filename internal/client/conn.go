package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgechat/internal/protocol"
	"github.com/danmuck/edgechat/internal/protocol/session"
)

const closeWait = 2 * time.Second

// Conn is one live session. Send is safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	cfg    session.Config
	logger zerolog.Logger

	messages chan protocol.Message
	done     chan struct{}
	closing  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	// set aside by Login; only touched before the caller reads Messages
	pending []protocol.Message
}

func newConn(ws *websocket.Conn, cfg session.Config, logger zerolog.Logger) *Conn {
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		logger:   logger,
		messages: make(chan protocol.Message, cfg.OutboxSize),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	ws.SetReadLimit(protocol.MaxMessageBytes)
	go c.readLoop()
	return c
}

// Messages yields server messages in arrival order and is closed when the
// session ends.
func (c *Conn) Messages() <-chan protocol.Message {
	return c.messages
}

// Done is closed once the read side has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the session ended, nil while it is running.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// SendLine parses one typed line and sends it.
func (c *Conn) SendLine(ctx context.Context, line string) error {
	msg, err := protocol.ParseInput(line)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// Close sends a normal close frame, waits briefly for the server to answer,
// then drops the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		c.writeMu.Unlock()
		if err == nil {
			timer := time.NewTimer(closeWait)
			select {
			case <-c.done:
			case <-timer.C:
			}
			timer.Stop()
		}
		close(c.closing)
		_ = c.ws.Close()
		<-c.done
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	deadAfter := c.cfg.DeadAfter()
	_ = c.ws.SetReadDeadline(time.Now().Add(deadAfter))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(deadAfter))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadAfter))
		msg, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping invalid server message")
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.closing:
			c.setErr(ErrClosed)
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Debug().Err(err).Msg("session closed")
	} else {
		c.logger.Debug().Err(err).Msg("session ended")
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// CloseReason describes a session error for display. ok is false when err
// is not a WebSocket close.
func CloseReason(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return 0, "", false
	}
	return ce.Code, ce.Text, true
}
