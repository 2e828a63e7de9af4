package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

// Actions sent by clients.
const (
	ActionCreateGame  = "createGame"
	ActionJoinGame    = "joinGame"
	ActionMakeMove    = "makeMove"
	ActionChatMessage = "chatMessage"
	ActionResetGame   = "resetGame"
	ActionSyncBoard   = "syncBoard"
	ActionPing        = "ping"
)

// Events sent by the relay.
const (
	EventGameCreated          = "gameCreated"
	EventGameStart            = "gameStart"
	EventUpdateBoard          = "updateBoard"
	EventGameReset            = "gameReset"
	EventBoardSync            = "boardSync"
	EventGameOver             = "gameOver"
	EventChat                 = "chat"
	EventOpponentDisconnected = "opponentDisconnected"
	EventPong                 = "pong"
	EventError                = "error"
)

// Message represents a WebSocket message with an action type and a payload.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RequestPayload struct {
	PinCode  string `json:"pinCode,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
	Cell     *int   `json:"cell,omitempty"`
	Message  string `json:"message,omitempty"`
}

// GamePayload describes a session as seen by one participant.
type GamePayload struct {
	PinCode  string        `json:"pinCode,omitempty"`
	PlayerID string        `json:"playerId,omitempty"`
	Symbol   entity.Symbol `json:"symbol,omitempty"`
	Board    *entity.Cells `json:"board,omitempty"`
	Turn     entity.Symbol `json:"turn,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
	Index    *int          `json:"index,omitempty"`
	Player   entity.Symbol `json:"player,omitempty"`
	Message  string        `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Encode(action string, payload any) ([]byte, error) {
	message := Message{Action: action}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		message.Payload = raw
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return data, nil
}

func sessionPayload(session *entity.Session, symbol entity.Symbol) GamePayload {
	cells := session.Board.Cells
	return GamePayload{
		PinCode: session.PinCode,
		Symbol:  symbol,
		Board:   &cells,
		Turn:    session.Board.Turn,
		Seq:     session.Seq,
	}
}
