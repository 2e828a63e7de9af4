package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
)

type sessionRegistry interface {
	IssuePinCode(ctx context.Context) (string, error)
	Get(pinCode string) (*entity.Session, error)
}

type handlers struct {
	logger   *slog.Logger
	registry sessionRegistry
}

type pinResponse struct {
	PinCode string `json:"pinCode"`
}

type participantResponse struct {
	Symbol    entity.Symbol `json:"symbol"`
	Connected bool          `json:"connected"`
}

type sessionResponse struct {
	PinCode      string                `json:"pinCode"`
	Status       entity.Lifecycle      `json:"status"`
	Board        entity.Cells          `json:"board"`
	Turn         entity.Symbol         `json:"turn"`
	Seq          uint64                `json:"seq"`
	Result       string                `json:"result,omitempty"`
	Participants []participantResponse `json:"participants"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (that *handlers) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// keepAlive is polled by idle browser tabs so the hosting platform keeps the relay awake.
func (that *handlers) keepAlive(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (that *handlers) issuePinCode(c *gin.Context) {
	log := that.logger.With("method", "issuePinCode")

	pinCode, err := that.registry.IssuePinCode(c.Request.Context())
	if err != nil {
		log.Error("failed to issue pin code", "error", err)
		that.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, pinResponse{PinCode: pinCode})
}

// getSession reports a session without exposing participant identities.
func (that *handlers) getSession(c *gin.Context) {
	pinCode := pkg.NormalizePinCode(c.Param("pin"))
	if !pkg.IsValidPinCode(pinCode) {
		that.fail(c, apperror.ErrInvalidPinCode)
		return
	}

	session, err := that.registry.Get(pinCode)
	if err != nil {
		that.fail(c, err)
		return
	}

	resp := sessionResponse{
		PinCode: session.PinCode,
		Status:  session.Status,
		Board:   session.Board.Cells,
		Turn:    session.Board.Turn,
		Seq:     session.Seq,
		Result:  session.Result,
	}
	for _, participant := range session.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			Symbol:    participant.Symbol,
			Connected: participant.Connected,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (that *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperror.ErrInvalidPinCode):
		status = http.StatusBadRequest
	case errors.Is(err, apperror.ErrCodeInUse):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, errorResponse{Code: apperror.Code(err), Message: err.Error()})
}
