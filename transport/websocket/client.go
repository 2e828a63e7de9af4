package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
)

const sendBufferSize = 32

var errSendBufferFull = errors.New("send buffer is full")

// client is one relay socket. Reads and handler calls happen on readPump,
// writes only on writePump.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	pin      string
	playerID string
}

func newClient(server *Server, conn *websocket.Conn) *client {
	return &client{
		server: server,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (that *client) identity() (string, string) {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.pin, that.playerID
}

func (that *client) pinCode() string {
	pinCode, _ := that.identity()
	return pinCode
}

func (that *client) setIdentity(pinCode, playerID string) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.pin = pinCode
	that.playerID = playerID
}

func (that *client) sendMessage(action string, payload any) error {
	data, err := Encode(action, payload)
	if err != nil {
		return err
	}

	select {
	case <-that.done:
		return apperror.ErrNotConnected
	case that.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (that *client) sendError(err error) {
	payload := ErrorPayload{Code: apperror.Code(err), Message: err.Error()}
	if sendErr := that.sendMessage(EventError, payload); sendErr != nil {
		that.server.logger.Error("failed to send error", "error", sendErr)
	}
}

// close asks writePump to flush what is queued and hang up.
func (that *client) close() {
	that.closeOnce.Do(func() {
		close(that.done)
	})
}

// writePump handles sending messages and keep-alive pings to the WebSocket connection.
func (that *client) writePump() {
	cfg := that.server.cfg

	// a nil channel never fires: no pings when the interval is zero
	var pings <-chan time.Time
	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer func() {
		_ = that.conn.Close()
	}()

	for {
		select {
		case message := <-that.send:
			if err := that.write(websocket.TextMessage, message); err != nil {
				that.server.logger.Debug("failed to write message", "error", err)
				that.close()
				return
			}

		case <-pings:
			if err := that.write(websocket.PingMessage, nil); err != nil {
				that.server.logger.Debug("failed to send ping", "error", err)
				that.close()
				return
			}

		case <-that.done:
			that.flush()
			_ = that.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (that *client) flush() {
	for {
		select {
		case message := <-that.send:
			if err := that.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (that *client) write(messageType int, data []byte) error {
	if err := that.conn.SetWriteDeadline(deadline(that.server.cfg.WriteTimeout)); err != nil {
		return err
	}
	return that.conn.WriteMessage(messageType, data)
}

// readPump handles reading messages from the WebSocket connection and dispatching them.
func (that *client) readPump(ctx context.Context) {
	log := that.server.logger.With("method", "readPump")
	cfg := that.server.cfg

	defer that.close()

	go func() {
		select {
		case <-ctx.Done():
			that.close()
		case <-that.done:
		}
	}()

	that.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = that.conn.SetReadDeadline(deadline(cfg.ReadTimeout))
	that.conn.SetPongHandler(func(string) error {
		return that.conn.SetReadDeadline(deadline(cfg.ReadTimeout))
	})

	for {
		_, data, err := that.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("unexpected WebSocket close", "error", err)
			}
			return
		}

		_ = that.conn.SetReadDeadline(deadline(cfg.ReadTimeout))

		if err = that.dispatch(ctx, data); err != nil {
			log.Warn("failed to process message", "error", err)
			that.sendError(err)
		}
	}
}

func (that *client) dispatch(ctx context.Context, data []byte) error {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
	}

	handler, ok := that.server.handlers[message.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", apperror.ErrMalformedMessage, message.Action)
	}

	var req RequestPayload
	if len(message.Payload) > 0 {
		if err := json.Unmarshal(message.Payload, &req); err != nil {
			return fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
		}
	}

	return handler(ctx, that, req)
}

// deadline turns a timeout into a connection deadline. Zero means none.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
