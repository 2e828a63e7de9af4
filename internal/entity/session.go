package entity

import (
	"time"
)

type Lifecycle string

const (
	StatusForming Lifecycle = "forming"
	StatusActive  Lifecycle = "active"
	StatusEnded   Lifecycle = "ended"
)

const MaxParticipants = 2

// Participant is one side of a session, bound to a symbol for the session's lifetime.
type Participant struct {
	ID        string `json:"id"`
	Symbol    Symbol `json:"symbol"`
	Connected bool   `json:"connected"`
}

// Session is a pairing of two participants under a pin code.
type Session struct {
	PinCode      string         `json:"pin_code"`
	Board        Board          `json:"game"`
	Seq          uint64         `json:"seq"`
	Status       Lifecycle      `json:"status"`
	Result       string         `json:"result,omitempty"`
	Participants []*Participant `json:"participants"`
	LastActivity time.Time      `json:"last_activity"`
}

func NewSession(pinCode, creatorID string, now time.Time) *Session {
	return &Session{
		PinCode: pinCode,
		Board:   NewBoard(),
		Status:  StatusForming,
		Participants: []*Participant{
			{ID: creatorID, Symbol: PlayerX, Connected: true},
		},
		LastActivity: now,
	}
}

func (that *Session) IsForming() bool {
	return that.Status == StatusForming
}

func (that *Session) IsActive() bool {
	return that.Status == StatusActive
}

func (that *Session) IsEnded() bool {
	return that.Status == StatusEnded
}

func (that *Session) IsFull() bool {
	return len(that.Participants) >= MaxParticipants
}

// Creator returns the participant who registered the code.
func (that *Session) Creator() *Participant {
	if len(that.Participants) == 0 {
		return nil
	}
	return that.Participants[0]
}

func (that *Session) Participant(id string) *Participant {
	for _, participant := range that.Participants {
		if participant.ID == id {
			return participant
		}
	}
	return nil
}

// Opponent returns the other participant, nil while the session is forming.
func (that *Session) Opponent(id string) *Participant {
	for _, participant := range that.Participants {
		if participant.ID != id {
			return participant
		}
	}
	return nil
}

// Join binds the second participant to O and activates the session.
func (that *Session) Join(id string, now time.Time) *Participant {
	participant := &Participant{ID: id, Symbol: PlayerO, Connected: true}
	that.Participants = append(that.Participants, participant)
	that.Status = StatusActive
	that.Touch(now)

	return participant
}

// Apply stores an accepted board and ends the session on a terminal outcome.
func (that *Session) Apply(board Board, now time.Time) Outcome {
	that.Board = board
	that.Seq++
	that.Touch(now)

	outcome := CheckTerminal(board.Cells)
	if outcome.IsFinished() {
		that.End(outcome.Message())
	}

	return outcome
}

// Reset starts a fresh game, symbols stay bound to the same participants.
func (that *Session) Reset(now time.Time) {
	that.Board = NewBoard()
	that.Seq++
	that.Result = ""
	if that.IsFull() {
		that.Status = StatusActive
	} else {
		that.Status = StatusForming
	}
	that.Touch(now)
}

func (that *Session) End(result string) {
	that.Status = StatusEnded
	that.Result = result
}

func (that *Session) Touch(now time.Time) {
	that.LastActivity = now
}

// IsIdle reports whether no qualifying activity happened within the window.
func (that *Session) IsIdle(now time.Time, window time.Duration) bool {
	return now.Sub(that.LastActivity) >= window
}

func (that *Session) ConnectedCount() int {
	count := 0
	for _, participant := range that.Participants {
		if participant.Connected {
			count++
		}
	}
	return count
}
