package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

func TestTerminal_BoardChanged(t *testing.T) {
	var out bytes.Buffer
	screen := &terminal{out: &out, local: entity.PlayerO}

	screen.BoardChanged(entity.Board{Cells: entity.Cells{4: entity.PlayerX}, Turn: entity.PlayerO})

	assert.Equal(t, " 0 | 1 | 2 \n---+---+---\n 3 | X | 5 \n---+---+---\n 6 | 7 | 8 \nyour move\n\n", out.String())
}
