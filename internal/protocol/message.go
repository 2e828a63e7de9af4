package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

// Kind is the "type" discriminator of a protocol message.
type Kind string

const (
	KindMove     Kind = "move"
	KindSync     Kind = "sync"
	KindClear    Kind = "clear"
	KindGameOver Kind = "gameOver"
	KindChat     Kind = "chat"
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
)

// Message is the single envelope exchanged between two game clients.
// Fields not used by a kind are omitted on the wire.
type Message struct {
	Type    Kind          `json:"type"`
	Board   *entity.Cells `json:"board,omitempty"`
	Turn    entity.Symbol `json:"turn,omitempty"`
	Index   *int          `json:"index,omitempty"`
	Symbol  entity.Symbol `json:"symbol,omitempty"`
	Message string        `json:"message,omitempty"`
	Seq     uint64        `json:"seq,omitempty"`
	Echo    bool          `json:"echo,omitempty"`
	Paused  bool          `json:"paused,omitempty"`
}

func NewMove(index int, symbol entity.Symbol, board entity.Board, seq uint64) Message {
	cells := board.Cells
	return Message{
		Type:   KindMove,
		Board:  &cells,
		Turn:   board.Turn,
		Index:  &index,
		Symbol: symbol,
		Seq:    seq,
	}
}

func NewSync(board entity.Board, seq uint64, echo bool) Message {
	cells := board.Cells
	return Message{
		Type:  KindSync,
		Board: &cells,
		Turn:  board.Turn,
		Seq:   seq,
		Echo:  echo,
	}
}

func NewClear(seq uint64) Message {
	cells := entity.Cells{}
	return Message{
		Type:  KindClear,
		Board: &cells,
		Turn:  entity.PlayerX,
		Seq:   seq,
	}
}

func NewGameOver(result string) Message {
	return Message{Type: KindGameOver, Message: result}
}

func NewChat(text string) Message {
	return Message{Type: KindChat, Message: text}
}

func NewPing(paused bool) Message {
	return Message{Type: KindPing, Paused: paused}
}

func NewPong() Message {
	return Message{Type: KindPong}
}

// Buffered reports whether the message is worth delivering late.
// Liveness probes and sync echoes only make sense on the link they were meant for.
func (that Message) Buffered() bool {
	switch that.Type {
	case KindPing, KindPong:
		return false
	case KindSync:
		return !that.Echo
	default:
		return true
	}
}

func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses and validates a message. Anything the game could not act on
// is reported as apperror.ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
	}

	if err := msg.validate(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (that Message) validate() error {
	if that.Turn != entity.Empty && !that.Turn.IsValid() {
		return fmt.Errorf("%w: unknown turn %q", apperror.ErrMalformedMessage, that.Turn)
	}

	switch that.Type {
	case KindMove:
		if that.Board == nil || that.Index == nil {
			return fmt.Errorf("%w: move without board or index", apperror.ErrMalformedMessage)
		}
		if *that.Index < 0 || *that.Index >= entity.BoardSize {
			return fmt.Errorf("%w: move index %d", apperror.ErrMalformedMessage, *that.Index)
		}
		if !that.Symbol.IsValid() {
			return fmt.Errorf("%w: move symbol %q", apperror.ErrMalformedMessage, that.Symbol)
		}
	case KindSync:
		if that.Board == nil {
			return fmt.Errorf("%w: sync without board", apperror.ErrMalformedMessage)
		}
	case KindClear, KindGameOver, KindChat, KindPing, KindPong:
	default:
		return fmt.Errorf("%w: unknown type %q", apperror.ErrMalformedMessage, that.Type)
	}

	return nil
}
