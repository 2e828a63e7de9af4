package websocket

import (
	"context"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
)

// handleCreateGame registers the pin code for the caller, who plays X.
func (that *Server) handleCreateGame(ctx context.Context, c *client, req RequestPayload) error {
	log := that.logger.With("method", "handleCreateGame")

	if err := that.ensureUnbound(c); err != nil {
		return err
	}

	pinCode := pkg.NormalizePinCode(req.PinCode)
	playerID := req.PlayerID
	if playerID == "" {
		playerID = pkg.GenerateParticipantID()
	}

	session, err := that.registry.CreateSession(ctx, pinCode, playerID)
	if err != nil {
		return fmt.Errorf("failed to create game: %w", err)
	}

	that.bind(c, pinCode, playerID)

	payload := sessionPayload(session, entity.PlayerX)
	payload.PlayerID = playerID

	if session.IsForming() {
		log.Info("game created", "pinCode", pinCode, "playerID", playerID)
		return c.sendMessage(EventGameCreated, payload)
	}

	// The host came back to a game that already has an opponent.
	log.Info("host rejoined", "pinCode", pinCode, "playerID", playerID)

	return c.sendMessage(EventGameStart, payload)
}

// handleJoinGame binds the caller as O and starts the game for both sides.
func (that *Server) handleJoinGame(ctx context.Context, c *client, req RequestPayload) error {
	log := that.logger.With("method", "handleJoinGame")

	if err := that.ensureUnbound(c); err != nil {
		return err
	}

	pinCode := pkg.NormalizePinCode(req.PinCode)
	playerID := req.PlayerID
	if playerID == "" {
		playerID = pkg.GenerateParticipantID()
	}

	session, err := that.registry.JoinSession(ctx, pinCode, playerID)
	if err != nil {
		return fmt.Errorf("failed to join game: %w", err)
	}

	that.bind(c, pinCode, playerID)

	that.broadcast(session, EventGameStart, func(participant *entity.Participant) any {
		payload := sessionPayload(session, participant.Symbol)
		if participant.ID == playerID {
			payload.PlayerID = playerID
		}
		return payload
	})

	log.Info("game started", "pinCode", pinCode, "playerID", playerID)

	return nil
}

// handleMakeMove validates the move against the registry and relays the accepted board.
func (that *Server) handleMakeMove(ctx context.Context, c *client, req RequestPayload) error {
	pinCode, playerID, err := that.participant(c)
	if err != nil {
		return err
	}

	if req.Cell == nil {
		return fmt.Errorf("%w: cell is required", apperror.ErrMalformedMessage)
	}

	session, outcome, err := that.registry.MakeMove(ctx, pinCode, playerID, *req.Cell)
	if err != nil {
		return err
	}

	mover := session.Participant(playerID).Symbol
	cells := session.Board.Cells
	index := *req.Cell

	that.broadcast(session, EventUpdateBoard, func(*entity.Participant) any {
		return GamePayload{
			PinCode: pinCode,
			Board:   &cells,
			Turn:    session.Board.Turn,
			Seq:     session.Seq,
			Index:   &index,
			Player:  mover,
		}
	})

	if outcome.IsFinished() {
		that.broadcast(session, EventGameOver, func(*entity.Participant) any {
			return GamePayload{
				PinCode: pinCode,
				Board:   &cells,
				Seq:     session.Seq,
				Message: session.Result,
			}
		})
	}

	return nil
}

// handleChatMessage passes chat text to the opponent only.
func (that *Server) handleChatMessage(ctx context.Context, c *client, req RequestPayload) error {
	pinCode, playerID, err := that.participant(c)
	if err != nil {
		return err
	}

	session, err := that.registry.Chat(ctx, pinCode, playerID)
	if err != nil {
		return err
	}

	opponent := session.Opponent(playerID)
	if opponent == nil {
		return nil
	}

	that.sendTo(opponent.ID, EventChat, GamePayload{
		PinCode: pinCode,
		Player:  session.Participant(playerID).Symbol,
		Message: req.Message,
	})

	return nil
}

func (that *Server) handleResetGame(ctx context.Context, c *client, _ RequestPayload) error {
	pinCode, playerID, err := that.participant(c)
	if err != nil {
		return err
	}

	session, err := that.registry.Reset(ctx, pinCode, playerID)
	if err != nil {
		return err
	}

	that.broadcast(session, EventGameReset, func(participant *entity.Participant) any {
		return sessionPayload(session, participant.Symbol)
	})

	return nil
}

// handleSyncBoard answers with the authoritative board.
func (that *Server) handleSyncBoard(ctx context.Context, c *client, _ RequestPayload) error {
	pinCode, playerID, err := that.participant(c)
	if err != nil {
		return err
	}

	session, err := that.registry.Sync(ctx, pinCode, playerID)
	if err != nil {
		return err
	}

	return c.sendMessage(EventBoardSync, sessionPayload(session, session.Participant(playerID).Symbol))
}

// handlePing is a liveness probe and does not count as activity.
func (that *Server) handlePing(_ context.Context, c *client, _ RequestPayload) error {
	return c.sendMessage(EventPong, nil)
}

func (that *Server) participant(c *client) (string, string, error) {
	pinCode, playerID := c.identity()
	if playerID == "" {
		return "", "", apperror.ErrNotParticipant
	}
	return pinCode, playerID, nil
}

func (that *Server) ensureUnbound(c *client) error {
	if pinCode, _ := c.identity(); pinCode != "" {
		return fmt.Errorf("%w: socket already plays %s", apperror.ErrMalformedMessage, pinCode)
	}
	return nil
}
