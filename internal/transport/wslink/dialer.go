// Package wslink connects a game to its opponent through the websocket relay.
package wslink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
	relay "github.com/rocketscienceinc/tictactoe-sync/transport/websocket"
)

type Config struct {
	URL     string
	PinCode string
	Host    bool

	// PlayerID is kept across reconnects so the relay hands back the same seat.
	// A random one is used when empty.
	PlayerID string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Dialer opens relay links for one seat of one game.
type Dialer struct {
	logger   *slog.Logger
	cfg      Config
	dialer   *websocket.Dialer
	playerID string
}

func New(logger *slog.Logger, cfg Config) *Dialer {
	playerID := cfg.PlayerID
	if playerID == "" {
		playerID = pkg.GenerateParticipantID()
	}

	return &Dialer{
		logger: logger.With("component", "wslink", "pinCode", cfg.PinCode),
		cfg:    cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		playerID: playerID,
	}
}

func (that *Dialer) PlayerID() string {
	return that.playerID
}

// Dial connects to the relay, takes the seat and returns once the opponent is there.
// A host waits for its guest until ctx is done.
func (that *Dialer) Dial(ctx context.Context, handler transport.Handler) (transport.Link, error) {
	log := that.logger.With("method", "Dial")

	conn, resp, err := that.dialer.DialContext(ctx, that.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	link := &Link{
		logger:       that.logger,
		conn:         conn,
		handler:      handler,
		writeTimeout: that.cfg.WriteTimeout,
	}

	// a blocked read has no context, closing the socket is the way out
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	err = that.handshake(link)
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info("relay link open", "playerID", that.playerID)

	go link.readLoop()

	return link, nil
}

func (that *Dialer) handshake(link *Link) error {
	action := relay.ActionJoinGame
	if that.cfg.Host {
		action = relay.ActionCreateGame
	}

	err := link.write(action, relay.RequestPayload{PinCode: that.cfg.PinCode, PlayerID: that.playerID})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", action, err)
	}

	for {
		message, err := link.read()
		if err != nil {
			return fmt.Errorf("failed to read handshake: %w", err)
		}

		switch message.Action {
		case relay.EventGameCreated:
			that.logger.Info("waiting for the opponent")

		case relay.EventGameStart:
			// the relay board is authoritative, it replaces whatever we had
			link.deliver(message)
			return nil

		case relay.EventError:
			return decodeError(message.Payload)

		default:
			that.logger.Debug("ignoring event before start", "action", message.Action)
		}
	}
}

func decodeError(raw json.RawMessage) error {
	var payload relay.ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
	}
	return apperror.FromCode(payload.Code, payload.Message)
}
