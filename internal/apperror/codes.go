package apperror

import (
	"errors"
	"fmt"
)

// Stable codes carried by relay error events.
const (
	CodeInvalidPinCode = "invalid_pin_code"
	CodeInUse          = "code_in_use"
	CodeNotFound       = "not_found"
	CodeGameFull       = "game_full"
	CodeSelfJoin       = "self_join"
	CodeNotParticipant = "not_participant"
	CodeNotStarted     = "not_started"
	CodeInvalidMove    = "invalid_move"
	CodeSessionExpired = "session_expired"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidPinCode, ErrInvalidPinCode},
	{CodeInUse, ErrCodeInUse},
	{CodeNotFound, ErrNotFound},
	{CodeGameFull, ErrGameFull},
	{CodeSelfJoin, ErrSelfJoin},
	{CodeNotParticipant, ErrNotParticipant},
	{CodeNotStarted, ErrGameIsNotStarted},
	{CodeInvalidMove, ErrInvalidMove},
	{CodeSessionExpired, ErrSessionExpired},
	{CodeBadRequest, ErrMalformedMessage},
}

// Code maps an error to the code sent over the wire.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode turns a received code back into an error that matches the sentinel.
func FromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			if message == "" {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return fmt.Errorf("relay error %s: %s", code, message)
}
