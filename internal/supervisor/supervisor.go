package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/protocol"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
)

var errPongTimeout = errors.New("no pong from peer")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int

	// PingInterval and IdleTimeout of zero disable the timer.
	PingInterval time.Duration
	PongTimeout  time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:    time.Second,
		MaxAttempts:  3,
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Status is a snapshot of the connection lifecycle.
type Status struct {
	State   State
	Attempt int

	// Err is set once the supervisor gave up: apperror.ErrLinkFailed,
	// apperror.ErrSessionExpired or a matchmaking error.
	Err error
}

// Supervisor keeps one game connected to its opponent. Every input (local
// commands, link events and timers) is serialized under a single mutex,
// which is also the only place the protocol.Game is touched.
type Supervisor struct {
	logger   *slog.Logger
	cfg      Config
	clock    clockwork.Clock
	dialer   transport.Dialer
	observer protocol.Observer

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	game    *protocol.Game
	link    transport.Link
	handler *linkHandler
	state   State
	attempt int
	err     error
	done    chan struct{}

	reconnectTimer clockwork.Timer
	pingTimer      clockwork.Timer
	pongTimer      clockwork.Timer
	idleTimer      clockwork.Timer
}

func New(logger *slog.Logger, cfg Config, clock clockwork.Clock, dialer transport.Dialer, local entity.Symbol, observer protocol.Observer) *Supervisor {
	if observer == nil {
		observer = protocol.NopObserver{}
	}

	that := &Supervisor{
		logger:   logger.With("component", "supervisor"),
		cfg:      cfg,
		clock:    clock,
		dialer:   dialer,
		observer: observer,
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
	that.game = protocol.NewGame(logger, local, linkSender{that}, observer)

	return that
}

// Start begins connecting in the background. Progress is reported through
// State, Done and the Observer. Cancelling ctx closes the supervisor.
func (that *Supervisor) Start(ctx context.Context) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.ctx != nil {
		return
	}

	that.ctx, that.cancel = context.WithCancel(ctx)
	that.armIdleLocked()
	that.dialLocked()

	go func() {
		select {
		case <-that.ctx.Done():
			_ = that.Close()
		case <-that.done:
		}
	}()
}

func (that *Supervisor) Move(cellIndex int) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateClosed {
		return that.closedErrLocked()
	}

	if err := that.game.Move(cellIndex); err != nil {
		return err
	}

	that.armIdleLocked()
	that.checkSendLocked()

	return nil
}

func (that *Supervisor) Chat(text string) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateClosed {
		return that.closedErrLocked()
	}

	that.game.Chat(text)
	that.armIdleLocked()
	that.checkSendLocked()

	return nil
}

// Reset clears the board for a new game with the same symbols.
func (that *Supervisor) Reset() error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateClosed {
		return that.closedErrLocked()
	}

	if err := that.game.Clear(); err != nil {
		return err
	}

	that.armIdleLocked()
	that.checkSendLocked()

	return nil
}

// Heartbeat is explicit user activity that keeps the session from expiring.
func (that *Supervisor) Heartbeat() {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state != StateClosed {
		that.armIdleLocked()
	}
}

// SetVisible follows the foreground state of the client. Going to background
// tells the peer; coming back resynchronizes the board before input is accepted.
func (that *Supervisor) SetVisible(visible bool) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateClosed {
		return
	}

	if visible {
		that.game.Resume()
	} else {
		that.game.Pause()
	}

	that.checkSendLocked()
}

func (that *Supervisor) State() Status {
	that.mu.Lock()
	defer that.mu.Unlock()

	return Status{State: that.state, Attempt: that.attempt, Err: that.err}
}

func (that *Supervisor) Board() entity.Board {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.game.Board()
}

func (that *Supervisor) Phase() protocol.Phase {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.game.Phase()
}

func (that *Supervisor) Result() string {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.game.Result()
}

// Done is closed once the supervisor reached StateClosed.
func (that *Supervisor) Done() <-chan struct{} {
	return that.done
}

// Close hangs up and stops every timer. It is safe to call more than once.
func (that *Supervisor) Close() error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateClosed {
		return nil
	}

	that.closeLocked(nil)

	return nil
}

func (that *Supervisor) dialLocked() {
	that.state = StateConnecting
	that.handler = &linkHandler{supervisor: that}
	that.observer.StatusChanged("Connecting...")

	go that.dial(that.ctx, that.handler)
}

func (that *Supervisor) dial(ctx context.Context, handler *linkHandler) {
	link, err := that.dialer.Dial(ctx, handler)

	that.mu.Lock()
	defer that.mu.Unlock()

	if handler != that.handler || that.state != StateConnecting {
		if link != nil {
			go closeQuietly(link)
		}
		return
	}

	if err == nil && handler.dropped {
		go closeQuietly(link)
		err = handler.dropErr
	}

	if err != nil {
		that.logger.Warn("failed to open link", "attempt", that.attempt+1, "error", err)

		if isTerminalErr(err) {
			that.closeLocked(err)
			return
		}

		that.attempt++
		that.scheduleReconnectLocked(err)

		return
	}

	that.link = link
	that.state = StateOpen
	that.attempt = 0
	that.logger.Info("link open")
	that.observer.StatusChanged("Connected")

	that.game.LinkOpened()
	that.armPingLocked()
	that.checkSendLocked()

	pending := handler.pending
	handler.pending = nil
	for _, data := range pending {
		if that.state != StateOpen {
			return
		}
		that.handleLocked(data)
	}
}

// scheduleReconnectLocked waits base*2^attempt before the next dial, or gives up
// once the attempt budget is spent.
func (that *Supervisor) scheduleReconnectLocked(cause error) {
	if that.attempt >= that.cfg.MaxAttempts {
		that.closeLocked(fmt.Errorf("%w: %w", apperror.ErrLinkFailed, cause))
		return
	}

	that.state = StateDisconnected
	that.observer.StatusChanged("Reconnecting...")

	delay := that.cfg.BaseDelay << that.attempt
	that.logger.Info("reconnect scheduled", "attempt", that.attempt+1, "delay", delay)

	handler := that.handler
	that.reconnectTimer = that.clock.AfterFunc(delay, func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		if handler != that.handler || that.state != StateDisconnected {
			return
		}

		that.dialLocked()
	})
}

// loseLocked handles a link that stopped working while open.
func (that *Supervisor) loseLocked(cause error) {
	that.logger.Warn("link lost", "error", cause)

	if that.link != nil {
		go closeQuietly(that.link)
		that.link = nil
	}

	that.stopTimer(&that.pingTimer)
	that.stopTimer(&that.pongTimer)
	that.game.LinkLost()

	that.scheduleReconnectLocked(cause)
}

func (that *Supervisor) closeLocked(cause error) {
	that.state = StateClosed
	that.err = cause

	that.stopTimer(&that.reconnectTimer)
	that.stopTimer(&that.pingTimer)
	that.stopTimer(&that.pongTimer)
	that.stopTimer(&that.idleTimer)

	if that.link != nil {
		go closeQuietly(that.link)
		that.link = nil
	}

	if cause != nil {
		that.logger.Warn("supervisor closed", "error", cause)
		that.game.Terminate(cause)
		that.observer.StatusChanged(cause.Error())
	} else {
		that.game.LinkLost()
		that.observer.StatusChanged("Disconnected")
	}

	if that.cancel != nil {
		that.cancel()
	}
	close(that.done)
}

func (that *Supervisor) closedErrLocked() error {
	if that.err != nil {
		return that.err
	}
	return apperror.ErrNotConnected
}

// checkSendLocked turns a failed send inside the game into a lost link.
func (that *Supervisor) checkSendLocked() {
	err := that.game.TakeSendError()
	if err == nil || that.state != StateOpen {
		return
	}

	that.loseLocked(err)
}

func (that *Supervisor) armPingLocked() {
	if that.cfg.PingInterval <= 0 {
		return
	}

	that.stopTimer(&that.pingTimer)

	handler := that.handler
	that.pingTimer = that.clock.AfterFunc(that.cfg.PingInterval, func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		if handler != that.handler || that.state != StateOpen {
			return
		}

		that.game.Ping()
		if that.pongTimer == nil {
			that.armPongLocked()
		}
		that.armPingLocked()
		that.checkSendLocked()
	})
}

func (that *Supervisor) armPongLocked() {
	handler := that.handler
	that.pongTimer = that.clock.AfterFunc(that.cfg.PongTimeout, func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		if handler != that.handler || that.state != StateOpen {
			return
		}

		that.pongTimer = nil
		that.loseLocked(errPongTimeout)
	})
}

func (that *Supervisor) armIdleLocked() {
	if that.cfg.IdleTimeout <= 0 {
		return
	}

	if that.idleTimer != nil {
		that.idleTimer.Reset(that.cfg.IdleTimeout)
		return
	}

	that.idleTimer = that.clock.AfterFunc(that.cfg.IdleTimeout, func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		if that.state == StateClosed {
			return
		}

		that.closeLocked(apperror.ErrSessionExpired)
	})
}

func (that *Supervisor) stopTimer(timer *clockwork.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func (that *Supervisor) receive(handler *linkHandler, data []byte) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if handler != that.handler || that.state == StateClosed {
		return
	}

	// the game sees nothing before it knows the link is up
	if that.state == StateConnecting {
		handler.pending = append(handler.pending, data)
		return
	}

	that.handleLocked(data)
}

func (that *Supervisor) handleLocked(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		that.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.KindPong:
		that.stopTimer(&that.pongTimer)
	case protocol.KindMove, protocol.KindChat, protocol.KindClear:
		that.armIdleLocked()
	}

	that.game.Handle(msg)
	that.checkSendLocked()
}

func (that *Supervisor) lost(handler *linkHandler, err error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	handler.dropped = true
	handler.dropErr = err
	if handler.dropErr == nil {
		handler.dropErr = apperror.ErrPeerClosed
	}

	if handler != that.handler || that.state != StateOpen {
		return
	}

	if isTerminalErr(handler.dropErr) {
		that.closeLocked(handler.dropErr)
		return
	}

	that.loseLocked(handler.dropErr)
}

type linkHandler struct {
	supervisor *Supervisor

	// guarded by supervisor.mu
	dropped bool
	dropErr error
	pending [][]byte
}

func (that *linkHandler) OnMessage(data []byte) {
	that.supervisor.receive(that, data)
}

func (that *linkHandler) OnClose(err error) {
	that.supervisor.lost(that, err)
}

// linkSender is the game's way out. It runs under the supervisor's mutex.
type linkSender struct {
	supervisor *Supervisor
}

func (that linkSender) Send(msg protocol.Message) error {
	if that.supervisor.link == nil {
		return apperror.ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	return that.supervisor.link.Send(that.supervisor.ctx, data)
}

func closeQuietly(link transport.Link) {
	_ = link.Close()
}

// isTerminalErr reports errors that another dial cannot fix.
func isTerminalErr(err error) bool {
	return errors.Is(err, apperror.ErrSessionExpired) ||
		errors.Is(err, apperror.ErrCodeInUse) ||
		errors.Is(err, apperror.ErrNotFound) ||
		errors.Is(err, apperror.ErrGameFull) ||
		errors.Is(err, apperror.ErrSelfJoin) ||
		errors.Is(err, apperror.ErrInvalidPinCode)
}
