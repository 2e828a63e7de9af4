package entity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
)

// Symbol is the content of a single cell and also a player's mark.
type Symbol string

const (
	Empty   Symbol = ""
	PlayerX Symbol = "X"
	PlayerO Symbol = "O"
)

const BoardSize = 9

var WinCombos = [][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

func (that Symbol) IsValid() bool {
	return that == PlayerX || that == PlayerO
}

// Opponent returns the other player's mark.
func (that Symbol) Opponent() Symbol {
	if that == PlayerX {
		return PlayerO
	}
	return PlayerX
}

// Cells is a board snapshot. Empty cells are encoded as JSON null.
type Cells [BoardSize]Symbol

func (that Cells) Filled() int {
	filled := 0
	for _, cell := range that {
		if cell != Empty {
			filled++
		}
	}
	return filled
}

func (that Cells) IsEmpty() bool {
	return that.Filled() == 0
}

// NextTurn derives whose turn it is from the marks on the board, X moves first.
func (that Cells) NextTurn() Symbol {
	var xs, os int
	for _, cell := range that {
		switch cell {
		case PlayerX:
			xs++
		case PlayerO:
			os++
		}
	}

	if xs > os {
		return PlayerO
	}
	return PlayerX
}

func (that Cells) MarshalJSON() ([]byte, error) {
	raw := make([]*string, BoardSize)
	for i, cell := range that {
		if cell == Empty {
			continue
		}
		mark := string(cell)
		raw[i] = &mark
	}
	return json.Marshal(raw)
}

func (that *Cells) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw []*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal board: %w", err)
	}

	if len(raw) != BoardSize {
		return fmt.Errorf("%w: board has %d cells", apperror.ErrMalformedMessage, len(raw))
	}

	var cells Cells
	for i, mark := range raw {
		if mark == nil || *mark == "" {
			continue
		}

		symbol := Symbol(*mark)
		if !symbol.IsValid() {
			return fmt.Errorf("%w: unknown mark %q at cell %d", apperror.ErrMalformedMessage, *mark, i)
		}
		cells[i] = symbol
	}

	*that = cells
	return nil
}

// Board is the authoritative game state: nine cells and the turn marker.
type Board struct {
	Cells Cells  `json:"board"`
	Turn  Symbol `json:"turn"`
}

func NewBoard() Board {
	return Board{Turn: PlayerX}
}

// ApplyMove validates and applies a move. The receiver is left untouched.
func (that Board) ApplyMove(index int, symbol Symbol) (Board, error) {
	if index < 0 || index >= BoardSize {
		return that, fmt.Errorf("%w: cell %d", apperror.ErrInvalidCell, index)
	}

	if CheckTerminal(that.Cells).IsFinished() {
		return that, apperror.ErrGameFinished
	}

	if that.Cells[index] != Empty {
		return that, fmt.Errorf("%w: cell %d", apperror.ErrCellOccupied, index)
	}

	if that.Turn != symbol {
		return that, apperror.ErrNotYourTurn
	}

	next := that
	next.Cells[index] = symbol
	next.Turn = symbol.Opponent()

	return next, nil
}

type OutcomeKind string

const (
	Unfinished OutcomeKind = "unfinished"
	Win        OutcomeKind = "win"
	Draw       OutcomeKind = "draw"
)

type Outcome struct {
	Kind   OutcomeKind
	Winner Symbol
}

func (that Outcome) IsFinished() bool {
	return that.Kind != Unfinished
}

// Message is the result text shown to both players.
func (that Outcome) Message() string {
	switch that.Kind {
	case Win:
		return fmt.Sprintf("%s Wins!", that.Winner)
	case Draw:
		return "Draw!"
	default:
		return ""
	}
}

// CheckTerminal evaluates the winning lines before the full-board check:
// the last move can fill the board and complete a line at once.
func CheckTerminal(cells Cells) Outcome {
	for _, combo := range WinCombos {
		a, b, c := cells[combo[0]], cells[combo[1]], cells[combo[2]]
		if a != Empty && a == b && b == c {
			return Outcome{Kind: Win, Winner: a}
		}
	}

	// the game will continue until all the squares are full
	for _, cell := range cells {
		if cell == Empty {
			return Outcome{Kind: Unfinished}
		}
	}

	return Outcome{Kind: Draw}
}
