package protocol

import (
	"fmt"
	"log/slog"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

type Phase string

const (
	PhaseWaitingForPeer Phase = "waiting_for_peer"
	PhaseLocalTurn      Phase = "local_turn"
	PhaseRemoteTurn     Phase = "remote_turn"
	PhaseEnded          Phase = "ended"
)

// Sender delivers a message to the peer. It must not call back into the Game.
type Sender interface {
	Send(msg Message) error
}

// Observer is notified about everything the player should see.
type Observer interface {
	BoardChanged(board entity.Board)
	ChatReceived(text string)
	GameOver(result string)
	StatusChanged(status string)
}

type NopObserver struct{}

func (NopObserver) BoardChanged(entity.Board) {}

func (NopObserver) ChatReceived(string) {}

func (NopObserver) GameOver(string) {}

func (NopObserver) StatusChanged(string) {}

type handler func(msg Message)

// Game is one client's replica of a shared board and the turn-sync rules around it.
// It is not safe for concurrent use: the owner serializes local commands and
// incoming messages.
type Game struct {
	logger   *slog.Logger
	sender   Sender
	observer Observer

	local  entity.Symbol
	board  entity.Board
	seq    uint64
	phase  Phase
	result string

	linked       bool
	paused       bool
	peerPaused   bool
	awaitingSync bool

	outbox  []Message
	sendErr error

	handlers map[Kind]handler
}

// NewGame creates a replica for the player holding local. The X side hosts
// and pushes its board to the peer whenever the link opens.
func NewGame(logger *slog.Logger, local entity.Symbol, sender Sender, observer Observer) *Game {
	if observer == nil {
		observer = NopObserver{}
	}

	game := &Game{
		logger:   logger.With("component", "game", "symbol", string(local)),
		sender:   sender,
		observer: observer,
		local:    local,
		board:    entity.NewBoard(),
		phase:    PhaseWaitingForPeer,
	}

	game.handlers = map[Kind]handler{
		KindMove:     game.handleMove,
		KindSync:     game.handleSync,
		KindClear:    game.handleClear,
		KindGameOver: game.handleGameOver,
		KindChat:     game.handleChat,
		KindPing:     game.handlePing,
		KindPong:     func(Message) {},
	}

	return game
}

func (that *Game) Local() entity.Symbol {
	return that.local
}

func (that *Game) IsHost() bool {
	return that.local == entity.PlayerX
}

func (that *Game) Board() entity.Board {
	return that.board
}

func (that *Game) Seq() uint64 {
	return that.seq
}

func (that *Game) Phase() Phase {
	return that.phase
}

func (that *Game) Result() string {
	return that.result
}

func (that *Game) IsPaused() bool {
	return that.paused
}

func (that *Game) PeerPaused() bool {
	return that.peerPaused
}

func (that *Game) AwaitingSync() bool {
	return that.awaitingSync
}

func (that *Game) Pending() int {
	return len(that.outbox)
}

// TakeSendError returns and clears the last failure reported by the Sender.
func (that *Game) TakeSendError() error {
	err := that.sendErr
	that.sendErr = nil
	return err
}

// LinkOpened flushes everything queued while offline, oldest first. The host
// then pushes its board and waits for the echo so both replicas converge.
func (that *Game) LinkOpened() {
	that.linked = true

	if that.phase == PhaseWaitingForPeer {
		that.phase = that.turnPhase()
	}

	queued := that.outbox
	that.outbox = nil

	for i, msg := range queued {
		if !that.deliver(msg) {
			that.outbox = append(that.outbox, queued[i+1:]...)
			return
		}
	}

	if that.IsHost() {
		that.RequestSync()
	}
}

func (that *Game) LinkLost() {
	that.linked = false
}

// Terminate ends the game for good, e.g. when the link could not be restored.
func (that *Game) Terminate(reason error) {
	that.linked = false
	that.outbox = nil

	if that.phase == PhaseEnded {
		return
	}

	that.phase = PhaseEnded
	that.result = reason.Error()
	that.observer.GameOver(that.result)
}

// Move plays cellIndex for the local player. The board is updated optimistically
// and the move is sent (or queued) to the peer.
func (that *Game) Move(cellIndex int) error {
	switch {
	case that.phase == PhaseEnded:
		return apperror.ErrGameFinished
	case that.phase == PhaseWaitingForPeer:
		return apperror.ErrGameIsNotStarted
	case that.awaitingSync:
		return apperror.ErrAwaitingSync
	}

	next, err := that.board.ApplyMove(cellIndex, that.local)
	if err != nil {
		return fmt.Errorf("failed to play cell %d: %w", cellIndex, err)
	}

	that.board = next
	that.seq++
	that.observer.BoardChanged(that.board)

	that.send(NewMove(cellIndex, that.local, that.board, that.seq))

	outcome := entity.CheckTerminal(that.board.Cells)
	if outcome.IsFinished() {
		that.end(outcome.Message())
		that.send(NewGameOver(outcome.Message()))
		return nil
	}

	that.phase = that.turnPhase()

	return nil
}

func (that *Game) Chat(text string) {
	that.send(NewChat(text))
}

// Clear starts a new game on both sides. Symbols stay as they are.
// Like Move, it waits for the echo of a pending sync, which would otherwise
// bring the old board back.
func (that *Game) Clear() error {
	switch {
	case that.phase == PhaseWaitingForPeer:
		return apperror.ErrGameIsNotStarted
	case that.awaitingSync:
		return apperror.ErrAwaitingSync
	}

	that.board = entity.NewBoard()
	that.seq++
	that.result = ""
	that.phase = that.turnPhase()

	that.observer.BoardChanged(that.board)
	that.send(NewClear(that.seq))

	return nil
}

// RequestSync pushes the local board and blocks local input until the peer echoes.
func (that *Game) RequestSync() {
	that.awaitingSync = true
	that.send(NewSync(that.board, that.seq, false))
}

func (that *Game) Ping() {
	that.send(NewPing(that.paused))
}

// Pause marks the local client as backgrounded and tells the peer, best effort.
func (that *Game) Pause() {
	if that.paused {
		return
	}

	that.paused = true
	that.send(NewPing(true))
}

// Resume leaves the paused state and resynchronizes with the peer.
func (that *Game) Resume() {
	if !that.paused {
		return
	}

	that.paused = false
	that.RequestSync()
}

// Handle applies a message received from the peer. Stale, out-of-turn and
// post-game messages are dropped.
func (that *Game) Handle(msg Message) {
	h, ok := that.handlers[msg.Type]
	if !ok {
		that.logger.Warn("unknown message type", "type", msg.Type)
		return
	}

	h(msg)
}

func (that *Game) handleMove(msg Message) {
	log := that.logger.With("method", "handleMove", "seq", msg.Seq, "index", *msg.Index)

	if that.isStale(msg.Seq) {
		log.Debug("stale move ignored", "localSeq", that.seq)
		return
	}

	if that.phase == PhaseEnded {
		log.Warn("move after game over ignored")
		return
	}

	if msg.Symbol == that.local || msg.Symbol != that.board.Turn {
		log.Warn("out of turn move ignored", "symbol", msg.Symbol, "turn", that.board.Turn)
		return
	}

	that.board.Cells = *msg.Board
	that.board.Turn = msg.Turn
	if that.board.Turn == entity.Empty {
		that.board.Turn = msg.Symbol.Opponent()
	}
	that.advanceSeq(msg.Seq)

	that.observer.BoardChanged(that.board)
	that.settle()
}

// handleSync overwrites the local board with the peer's snapshot unless ours is newer,
// in which case ours is sent back instead. An echo answers our own sync and is
// always taken: it is the state both sides agreed on.
func (that *Game) handleSync(msg Message) {
	log := that.logger.With("method", "handleSync", "seq", msg.Seq, "echo", msg.Echo)

	if msg.Echo {
		that.awaitingSync = false
	} else if msg.Seq != 0 && msg.Seq < that.seq {
		log.Info("peer is behind, answering with local board", "localSeq", that.seq)
		that.send(NewSync(that.board, that.seq, true))
		return
	}

	that.board.Cells = *msg.Board
	that.board.Turn = msg.Turn
	if that.board.Turn == entity.Empty {
		that.board.Turn = that.board.Cells.NextTurn()
	}
	if msg.Seq != 0 || msg.Echo {
		that.seq = msg.Seq
	}

	that.observer.BoardChanged(that.board)
	that.settle()

	if !msg.Echo {
		that.send(NewSync(that.board, that.seq, true))
	}
}

func (that *Game) handleClear(msg Message) {
	if that.isStale(msg.Seq) {
		that.logger.Debug("stale clear ignored", "seq", msg.Seq, "localSeq", that.seq)
		return
	}

	that.board = entity.NewBoard()
	that.advanceSeq(msg.Seq)
	that.result = ""
	that.phase = that.turnPhase()

	that.observer.BoardChanged(that.board)
}

func (that *Game) handleGameOver(msg Message) {
	if that.phase == PhaseEnded {
		return
	}

	that.end(msg.Message)
}

func (that *Game) handleChat(msg Message) {
	that.observer.ChatReceived(msg.Message)
}

func (that *Game) handlePing(msg Message) {
	if msg.Paused != that.peerPaused {
		that.peerPaused = msg.Paused
		if msg.Paused {
			that.observer.StatusChanged("Opponent is away")
		} else {
			that.observer.StatusChanged("Opponent is back")
		}
	}

	that.send(NewPong())
}

// settle re-runs the terminal check after a remote board replaced ours.
func (that *Game) settle() {
	outcome := entity.CheckTerminal(that.board.Cells)
	if outcome.IsFinished() {
		if that.phase != PhaseEnded {
			that.end(outcome.Message())
		}
		return
	}

	that.result = ""
	that.phase = that.turnPhase()
}

func (that *Game) end(result string) {
	that.phase = PhaseEnded
	that.result = result
	that.observer.GameOver(result)
}

func (that *Game) turnPhase() Phase {
	if that.board.Turn == that.local {
		return PhaseLocalTurn
	}
	return PhaseRemoteTurn
}

// isStale reports whether a sequenced snapshot is not newer than ours.
// Unsequenced snapshots (seq 0) are always taken.
func (that *Game) isStale(seq uint64) bool {
	return seq != 0 && seq <= that.seq
}

func (that *Game) advanceSeq(seq uint64) {
	if seq != 0 {
		that.seq = seq
		return
	}
	that.seq++
}

func (that *Game) send(msg Message) {
	if !that.linked {
		that.enqueue(msg)
		return
	}

	that.deliver(msg)
}

// deliver hands msg to the Sender and reports whether the link took it.
// A failed send marks the link lost and keeps the message for the next link.
func (that *Game) deliver(msg Message) bool {
	if err := that.sender.Send(msg); err != nil {
		that.logger.Warn("failed to send message", "type", msg.Type, "error", err)

		that.linked = false
		if that.sendErr == nil {
			that.sendErr = err
		}
		that.enqueue(msg)

		return false
	}

	return true
}

func (that *Game) enqueue(msg Message) {
	if !msg.Buffered() {
		return
	}
	that.outbox = append(that.outbox, msg)
}
