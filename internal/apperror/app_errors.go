package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMove = errors.New("invalid move")

	ErrInvalidCell  = fmt.Errorf("%w: invalid cell index", ErrInvalidMove)
	ErrCellOccupied = fmt.Errorf("%w: cell is already occupied", ErrInvalidMove)
	ErrNotYourTurn  = fmt.Errorf("%w: it's not your turn", ErrInvalidMove)
	ErrGameFinished = fmt.Errorf("%w: game is already finished", ErrInvalidMove)
)

var (
	ErrGameIsNotStarted = errors.New("game is not started")
	ErrInvalidPinCode   = errors.New("invalid pin code")
	ErrCodeInUse        = errors.New("pin code is already in use")
	ErrNotFound         = errors.New("session not found")
	ErrGameFull         = errors.New("game is full")
	ErrSelfJoin         = errors.New("can't join your own game")
	ErrNotParticipant   = errors.New("not a participant of this game")
)

var (
	ErrNotConnected     = errors.New("link is not open")
	ErrLinkFailed       = errors.New("link lost, reconnection attempts exhausted")
	ErrSessionExpired   = errors.New("session expired due to inactivity")
	ErrPeerClosed       = errors.New("peer closed the link")
	ErrMalformedMessage = errors.New("malformed message")
	ErrAwaitingSync     = errors.New("waiting for the board to resync")
)
