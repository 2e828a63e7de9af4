package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

// terminal prints what the game reports. Cells are numbered 0-8, row by row.
type terminal struct {
	mu    sync.Mutex
	out   io.Writer
	local entity.Symbol
}

func (that *terminal) BoardChanged(board entity.Board) {
	var sb strings.Builder

	for row := range 3 {
		for col := range 3 {
			index := row*3 + col
			cell := string(board.Cells[index])
			if cell == "" {
				cell = fmt.Sprint(index)
			}
			sb.WriteString(" " + cell + " ")
			if col < 2 {
				sb.WriteString("|")
			}
		}
		sb.WriteString("\n")
		if row < 2 {
			sb.WriteString("---+---+---\n")
		}
	}

	if board.Turn == that.local {
		sb.WriteString("your move\n")
	} else {
		sb.WriteString("waiting for " + string(board.Turn) + "\n")
	}

	that.println(sb.String())
}

func (that *terminal) ChatReceived(text string) {
	that.println("opponent: " + text)
}

func (that *terminal) GameOver(result string) {
	that.println(result + " (type reset to play again)")
}

func (that *terminal) StatusChanged(status string) {
	that.println("[" + status + "]")
}

func (that *terminal) println(text string) {
	that.mu.Lock()
	defer that.mu.Unlock()

	_, _ = fmt.Fprintln(that.out, text)
}
