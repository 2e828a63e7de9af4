package wslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/protocol"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
	relay "github.com/rocketscienceinc/tictactoe-sync/transport/websocket"
)

var errRelayClosed = errors.New("relay closed the socket")

// Link translates between game messages and relay actions. The relay validates
// every move, so its events are the board of record.
type Link struct {
	logger       *slog.Logger
	conn         *websocket.Conn
	handler      transport.Handler
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (that *Link) Send(_ context.Context, data []byte) error {
	if that.closed.Load() {
		return apperror.ErrNotConnected
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	var (
		action  string
		payload any
	)

	switch msg.Type {
	case protocol.KindMove:
		action, payload = relay.ActionMakeMove, relay.RequestPayload{Cell: msg.Index}
	case protocol.KindChat:
		action, payload = relay.ActionChatMessage, relay.RequestPayload{Message: msg.Message}
	case protocol.KindClear:
		action = relay.ActionResetGame
	case protocol.KindSync:
		if msg.Echo {
			return nil
		}
		action = relay.ActionSyncBoard
	case protocol.KindPing:
		action = relay.ActionPing
	default:
		// the relay works out game over on its own and answers pings itself
		return nil
	}

	return that.write(action, payload)
}

func (that *Link) Close() error {
	if !that.closed.CompareAndSwap(false, true) {
		return nil
	}

	that.writeMu.Lock()
	_ = that.conn.SetWriteDeadline(time.Now().Add(that.writeTimeout))
	_ = that.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	that.writeMu.Unlock()

	return that.conn.Close()
}

func (that *Link) readLoop() {
	for {
		message, err := that.read()
		if err != nil {
			if that.closed.CompareAndSwap(false, true) {
				_ = that.conn.Close()
				that.handler.OnClose(fmt.Errorf("%w: %w", errRelayClosed, err))
			}
			return
		}

		if message.Action == relay.EventError {
			if !that.handleError(message.Payload) {
				return
			}
			continue
		}

		that.deliver(message)
	}
}

// handleError reports whether the link is still usable.
func (that *Link) handleError(raw json.RawMessage) bool {
	err := decodeError(raw)

	switch {
	case errors.Is(err, apperror.ErrInvalidMove), errors.Is(err, apperror.ErrGameIsNotStarted):
		// our board drifted from the relay's, take the relay's back
		that.logger.Warn("move refused by relay, resyncing", "error", err)

		if writeErr := that.write(relay.ActionSyncBoard, nil); writeErr != nil {
			that.logger.Warn("failed to request sync", "error", writeErr)
		}
		return true

	case errors.Is(err, apperror.ErrSessionExpired),
		errors.Is(err, apperror.ErrNotParticipant),
		errors.Is(err, apperror.ErrNotFound):
		if that.closed.CompareAndSwap(false, true) {
			_ = that.conn.Close()
			that.handler.OnClose(err)
		}
		return false

	default:
		that.logger.Warn("relay error", "error", err)
		return true
	}
}

func (that *Link) deliver(message relay.Message) {
	msg, ok, err := translate(message)
	if err != nil {
		that.logger.Warn("dropping relay event", "action", message.Action, "error", err)
		return
	}
	if !ok {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		that.logger.Error("failed to encode relay event", "action", message.Action, "error", err)
		return
	}

	that.handler.OnMessage(data)
}

// translate maps a relay event to the game message it stands for.
func translate(message relay.Message) (protocol.Message, bool, error) {
	var payload relay.GamePayload
	if len(message.Payload) > 0 {
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			return protocol.Message{}, false, fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
		}
	}

	switch message.Action {
	case relay.EventGameStart, relay.EventBoardSync:
		board, err := payloadBoard(payload)
		if err != nil {
			return protocol.Message{}, false, err
		}
		return protocol.NewSync(board, payload.Seq, true), true, nil

	case relay.EventUpdateBoard:
		board, err := payloadBoard(payload)
		if err != nil {
			return protocol.Message{}, false, err
		}
		if payload.Index == nil {
			return protocol.Message{}, false, fmt.Errorf("%w: move without index", apperror.ErrMalformedMessage)
		}
		return protocol.NewMove(*payload.Index, payload.Player, board, payload.Seq), true, nil

	case relay.EventGameReset:
		return protocol.NewClear(payload.Seq), true, nil

	case relay.EventGameOver:
		return protocol.NewGameOver(payload.Message), true, nil

	case relay.EventChat:
		return protocol.NewChat(payload.Message), true, nil

	case relay.EventPong:
		return protocol.NewPong(), true, nil

	default:
		// opponentDisconnected and friends carry nothing the game acts on
		return protocol.Message{}, false, nil
	}
}

func payloadBoard(payload relay.GamePayload) (entity.Board, error) {
	if payload.Board == nil {
		return entity.Board{}, fmt.Errorf("%w: event without board", apperror.ErrMalformedMessage)
	}
	return entity.Board{Cells: *payload.Board, Turn: payload.Turn}, nil
}

func (that *Link) read() (relay.Message, error) {
	_, data, err := that.conn.ReadMessage()
	if err != nil {
		return relay.Message{}, err
	}

	var message relay.Message
	if err = json.Unmarshal(data, &message); err != nil {
		return relay.Message{}, fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
	}

	return message, nil
}

func (that *Link) write(action string, payload any) error {
	data, err := relay.Encode(action, payload)
	if err != nil {
		return err
	}

	that.writeMu.Lock()
	defer that.writeMu.Unlock()

	if err = that.conn.SetWriteDeadline(time.Now().Add(that.writeTimeout)); err != nil {
		return err
	}

	return that.conn.WriteMessage(websocket.TextMessage, data)
}
