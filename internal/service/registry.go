package service

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
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
)

const (
	maxPinCodeAttempts = 10
	minSweepInterval   = time.Second
)

type sessionStore interface {
	Create(ctx context.Context, session *entity.Session) error
	Save(ctx context.Context, session *entity.Session) error
	GetByPin(ctx context.Context, pinCode string) (*entity.Session, error)
	DeleteByPin(ctx context.Context, pinCode string) error
}

// Registry owns every live session of a relay process, keyed by pin code.
// The store mirrors the sessions so codes stay unique across relay instances
// and expire on their own when nobody plays.
type Registry struct {
	logger      *slog.Logger
	store       sessionStore
	clock       clockwork.Clock
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*entity.Session
}

func NewRegistry(logger *slog.Logger, store sessionStore, clock clockwork.Clock, idleTimeout time.Duration) *Registry {
	return &Registry{
		logger:      logger.With("component", "registry"),
		store:       store,
		clock:       clock,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*entity.Session),
	}
}

// CreateSession registers pinCode for participantID, who will play X.
// Hosting the same code again by its creator returns the existing session.
func (that *Registry) CreateSession(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	if !pkg.IsValidPinCode(pinCode) {
		return nil, fmt.Errorf("%w: %q", apperror.ErrInvalidPinCode, pinCode)
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	if existing, ok := that.sessions[pinCode]; ok {
		if existing.Creator().ID != participantID {
			return nil, fmt.Errorf("%w: %s", apperror.ErrCodeInUse, pinCode)
		}

		existing.Creator().Connected = true
		existing.Touch(that.clock.Now())
		that.save(ctx, existing)

		return copySession(existing), nil
	}

	session := entity.NewSession(pinCode, participantID, that.clock.Now())
	if err := that.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	that.sessions[pinCode] = session
	that.logger.Info("session created", "pinCode", pinCode, "participantID", participantID)

	return copySession(session), nil
}

// JoinSession binds participantID as O and activates the session.
// A participant that is already bound (a reconnect) gets the current session back.
func (that *Registry) JoinSession(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, ok := that.sessions[pinCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, pinCode)
	}

	if session.Creator().ID == participantID {
		return nil, apperror.ErrSelfJoin
	}

	if participant := session.Participant(participantID); participant != nil {
		participant.Connected = true
		session.Touch(that.clock.Now())
		that.save(ctx, session)

		that.logger.Info("participant rejoined", "pinCode", pinCode, "participantID", participantID)

		return copySession(session), nil
	}

	if session.IsFull() {
		return nil, fmt.Errorf("%w: %s", apperror.ErrGameFull, pinCode)
	}

	session.Join(participantID, that.clock.Now())
	that.save(ctx, session)

	that.logger.Info("participant joined", "pinCode", pinCode, "participantID", participantID)

	return copySession(session), nil
}

// MakeMove revalidates turn ownership and the cell server-side before accepting a move.
func (that *Registry) MakeMove(ctx context.Context, pinCode, participantID string, cell int) (*entity.Session, entity.Outcome, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, participant, err := that.lookup(pinCode, participantID)
	if err != nil {
		return nil, entity.Outcome{}, err
	}

	switch {
	case session.IsForming():
		return nil, entity.Outcome{}, apperror.ErrGameIsNotStarted
	case session.IsEnded():
		return nil, entity.Outcome{}, apperror.ErrGameFinished
	}

	board, err := session.Board.ApplyMove(cell, participant.Symbol)
	if err != nil {
		return nil, entity.Outcome{}, fmt.Errorf("failed to make move: %w", err)
	}

	outcome := session.Apply(board, that.clock.Now())
	that.save(ctx, session)

	if outcome.IsFinished() {
		that.logger.Info("game finished", "pinCode", pinCode, "result", session.Result)
	}

	return copySession(session), outcome, nil
}

// Reset clears the board for a new game between the same two participants.
func (that *Registry) Reset(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, _, err := that.lookup(pinCode, participantID)
	if err != nil {
		return nil, err
	}

	session.Reset(that.clock.Now())
	that.save(ctx, session)

	return copySession(session), nil
}

// Chat records chat as activity and returns the session so the caller can route the text.
func (that *Registry) Chat(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	return that.touch(ctx, pinCode, participantID)
}

// Heartbeat is an explicit keep-alive from a participant.
func (that *Registry) Heartbeat(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	return that.touch(ctx, pinCode, participantID)
}

// Sync returns the authoritative session for a participant.
func (that *Registry) Sync(_ context.Context, pinCode, participantID string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, _, err := that.lookup(pinCode, participantID)
	if err != nil {
		return nil, err
	}

	return copySession(session), nil
}

// Disconnect marks a participant's socket gone. The session is kept for a rejoin
// until both sides are gone or it expires.
func (that *Registry) Disconnect(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	log := that.logger.With("method", "Disconnect", "pinCode", pinCode, "participantID", participantID)

	that.mu.Lock()
	defer that.mu.Unlock()

	session, participant, err := that.lookup(pinCode, participantID)
	if err != nil {
		return nil, err
	}

	participant.Connected = false

	if session.ConnectedCount() == 0 {
		that.remove(ctx, session)
		log.Info("session removed, no participants left")

		return copySession(session), nil
	}

	that.save(ctx, session)
	log.Info("participant disconnected")

	return copySession(session), nil
}

func (that *Registry) Get(pinCode string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, ok := that.sessions[pinCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, pinCode)
	}

	return copySession(session), nil
}

// IssuePinCode generates a code that is free both locally and in the store.
func (that *Registry) IssuePinCode(ctx context.Context) (string, error) {
	for range maxPinCodeAttempts {
		code, err := pkg.GeneratePinCode()
		if err != nil {
			return "", err
		}

		that.mu.Lock()
		_, taken := that.sessions[code]
		that.mu.Unlock()

		if taken {
			continue
		}

		_, err = that.store.GetByPin(ctx, code)
		if errors.Is(err, apperror.ErrNotFound) {
			return code, nil
		}

		if err != nil {
			return "", fmt.Errorf("failed to check pin code: %w", err)
		}
	}

	return "", fmt.Errorf("%w: no free code after %d attempts", apperror.ErrCodeInUse, maxPinCodeAttempts)
}

// ExpireIdle drops every session without qualifying activity inside the idle window.
func (that *Registry) ExpireIdle(ctx context.Context) []*entity.Session {
	that.mu.Lock()
	defer that.mu.Unlock()

	now := that.clock.Now()

	var expired []*entity.Session
	for _, session := range that.sessions {
		if !session.IsIdle(now, that.idleTimeout) {
			continue
		}

		session.End(apperror.ErrSessionExpired.Error())
		that.remove(ctx, session)
		expired = append(expired, copySession(session))

		that.logger.Info("session expired", "pinCode", session.PinCode)
	}

	return expired
}

// Run sweeps idle sessions until ctx is done, handing each expired one to onExpire.
func (that *Registry) Run(ctx context.Context, onExpire func(*entity.Session)) {
	interval := max(that.idleTimeout/6, minSweepInterval)

	ticker := that.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, session := range that.ExpireIdle(ctx) {
				if onExpire != nil {
					onExpire(session)
				}
			}
		}
	}
}

func (that *Registry) touch(ctx context.Context, pinCode, participantID string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, _, err := that.lookup(pinCode, participantID)
	if err != nil {
		return nil, err
	}

	session.Touch(that.clock.Now())
	that.save(ctx, session)

	return copySession(session), nil
}

func (that *Registry) lookup(pinCode, participantID string) (*entity.Session, *entity.Participant, error) {
	session, ok := that.sessions[pinCode]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, pinCode)
	}

	participant := session.Participant(participantID)
	if participant == nil {
		return nil, nil, apperror.ErrNotParticipant
	}

	return session, participant, nil
}

// save mirrors the session into the store. The in-memory registry stays the source of truth.
func (that *Registry) save(ctx context.Context, session *entity.Session) {
	if err := that.store.Save(ctx, session); err != nil {
		that.logger.Error("failed to save session", "pinCode", session.PinCode, "error", err)
	}
}

func (that *Registry) remove(ctx context.Context, session *entity.Session) {
	delete(that.sessions, session.PinCode)

	if err := that.store.DeleteByPin(ctx, session.PinCode); err != nil && !errors.Is(err, apperror.ErrNotFound) {
		that.logger.Error("failed to delete session", "pinCode", session.PinCode, "error", err)
	}
}

func copySession(session *entity.Session) *entity.Session {
	clone := *session
	clone.Participants = make([]*entity.Participant, 0, len(session.Participants))
	for _, participant := range session.Participants {
		p := *participant
		clone.Participants = append(clone.Participants, &p)
	}
	return &clone
}
