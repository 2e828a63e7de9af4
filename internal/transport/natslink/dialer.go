// Package natslink connects two players directly over NATS subjects, with no
// relay in between. The host answers on the connect subject of its pin code and
// both sides publish to each other's inbox subject.
package natslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/pkg"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
)

const subjectPrefix = "tictactoe"

const (
	roleHost  = "host"
	roleGuest = "guest"
)

const (
	statusOK    = "ok"
	statusTaken = "taken"
	statusFull  = "full"
	statusSelf  = "self"
)

var errHostAway = errors.New("host is not answering")

type Config struct {
	URL     string
	PinCode string
	Host    bool

	// PlayerID identifies this side across reconnects. A random one is used when empty.
	PlayerID string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

type hello struct {
	Role     string `json:"role"`
	PlayerID string `json:"playerId"`
}

type reply struct {
	Status string `json:"status"`
}

// Dialer opens peer links for one side of one game.
type Dialer struct {
	logger   *slog.Logger
	cfg      Config
	playerID string

	mu      sync.Mutex
	guestID string
	joined  bool
}

func New(logger *slog.Logger, cfg Config) *Dialer {
	playerID := cfg.PlayerID
	if playerID == "" {
		playerID = pkg.GenerateParticipantID()
	}

	return &Dialer{
		logger:   logger.With("component", "natslink", "pinCode", cfg.PinCode),
		cfg:      cfg,
		playerID: playerID,
	}
}

func (that *Dialer) PlayerID() string {
	return that.playerID
}

// Dial connects to NATS and pairs with the opponent. A host returns once a guest
// said hello, or once a guest it already knows answers on its inbox.
func (that *Dialer) Dial(ctx context.Context, handler transport.Handler) (transport.Link, error) {
	role, peerRole := roleGuest, roleHost
	if that.cfg.Host {
		role, peerRole = roleHost, roleGuest
	}

	link := &Link{
		logger:      that.logger,
		handler:     handler,
		peerSubject: subject(that.cfg.PinCode, peerRole),
	}

	nc, err := nats.Connect(that.cfg.URL,
		nats.Name(fmt.Sprintf("%s-%s-%s", subjectPrefix, that.cfg.PinCode, role)),
		nats.Timeout(that.cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.ClosedHandler(link.lost),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			that.logger.Error("NATS error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	link.nc = nc

	if err = link.subscribe(subject(that.cfg.PinCode, role), link.receive); err != nil {
		link.shutdown()
		return nil, err
	}

	if that.cfg.Host {
		err = that.host(ctx, link)
	} else {
		err = that.join(ctx, link)
	}
	if err != nil {
		link.shutdown()
		return nil, err
	}

	that.logger.Info("peer link open", "role", role, "playerID", that.playerID)

	return link, nil
}

func (that *Dialer) host(ctx context.Context, link *Link) error {
	if err := that.probe(ctx, link.nc); err != nil {
		return err
	}

	joined := make(chan struct{}, 1)
	err := link.subscribe(subject(that.cfg.PinCode, "connect"), func(msg *nats.Msg) {
		that.answer(msg, joined)
	})
	if err != nil {
		return err
	}

	if err = link.nc.Flush(); err != nil {
		return fmt.Errorf("failed to register host: %w", err)
	}

	that.mu.Lock()
	known := that.guestID != ""
	that.mu.Unlock()

	// our board push is lost unless the guest listens on its inbox again
	if known && that.knock(ctx, link) {
		return nil
	}

	that.logger.Info("waiting for the opponent", "rejoin", known)

	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// knock asks a known guest whether its inbox is still subscribed. A guest that
// is reconnecting does not answer and is admitted by its next hello instead.
func (that *Dialer) knock(ctx context.Context, link *Link) bool {
	msg := nats.NewMsg(link.peerSubject)
	msg.Header.Set(controlHeader, controlKnock)

	reqCtx, cancel := context.WithTimeout(ctx, that.cfg.RequestTimeout)
	defer cancel()

	if _, err := link.nc.RequestMsgWithContext(reqCtx, msg); err != nil {
		that.logger.Debug("guest did not answer", "error", err)
		return false
	}

	return true
}

// probe makes sure nobody else hosts the pin code.
func (that *Dialer) probe(ctx context.Context, nc *nats.Conn) error {
	resp, err := that.request(ctx, nc, roleHost)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil
	case err != nil:
		return fmt.Errorf("failed to probe pin code: %w", err)
	case resp.Status == statusSelf:
		// an older link of ours that is on its way out
		return nil
	default:
		return fmt.Errorf("%w: %s", apperror.ErrCodeInUse, that.cfg.PinCode)
	}
}

// answer runs on the host for every hello on the connect subject.
func (that *Dialer) answer(msg *nats.Msg, joined chan<- struct{}) {
	var req hello
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		that.logger.Warn("dropping malformed hello", "error", err)
		return
	}

	status := that.admit(req)
	that.logger.Info("hello", "role", req.Role, "playerID", req.PlayerID, "status", status)

	data, err := json.Marshal(reply{Status: status})
	if err != nil {
		that.logger.Error("failed to marshal reply", "error", err)
		return
	}

	if err = msg.Respond(data); err != nil {
		that.logger.Warn("failed to answer hello", "error", err)
		return
	}

	if status == statusOK {
		select {
		case joined <- struct{}{}:
		default:
		}
	}
}

func (that *Dialer) admit(req hello) string {
	if req.PlayerID == that.playerID {
		return statusSelf
	}

	if req.Role == roleHost {
		return statusTaken
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	switch that.guestID {
	case "", req.PlayerID:
		that.guestID = req.PlayerID
		return statusOK
	default:
		return statusFull
	}
}

func (that *Dialer) join(ctx context.Context, link *Link) error {
	if err := link.nc.Flush(); err != nil {
		return fmt.Errorf("failed to register guest: %w", err)
	}

	resp, err := that.request(ctx, link.nc, roleGuest)
	if errors.Is(err, nats.ErrNoResponders) {
		that.mu.Lock()
		joined := that.joined
		that.mu.Unlock()

		// after the first join a silent code means the host is reconnecting
		if joined {
			return fmt.Errorf("%w: %s", errHostAway, that.cfg.PinCode)
		}
		return fmt.Errorf("%w: %s", apperror.ErrNotFound, that.cfg.PinCode)
	}
	if err != nil {
		return fmt.Errorf("failed to say hello: %w", err)
	}

	switch resp.Status {
	case statusOK:
		that.mu.Lock()
		that.joined = true
		that.mu.Unlock()
		return nil
	case statusFull:
		return fmt.Errorf("%w: %s", apperror.ErrGameFull, that.cfg.PinCode)
	case statusSelf:
		return apperror.ErrSelfJoin
	default:
		return fmt.Errorf("%w: unexpected hello reply %q", apperror.ErrMalformedMessage, resp.Status)
	}
}

func (that *Dialer) request(ctx context.Context, nc *nats.Conn, role string) (reply, error) {
	data, err := json.Marshal(hello{Role: role, PlayerID: that.playerID})
	if err != nil {
		return reply{}, fmt.Errorf("failed to marshal hello: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, that.cfg.RequestTimeout)
	defer cancel()

	msg, err := nc.RequestWithContext(reqCtx, subject(that.cfg.PinCode, "connect"), data)
	if err != nil {
		return reply{}, err
	}

	var resp reply
	if err = json.Unmarshal(msg.Data, &resp); err != nil {
		return reply{}, fmt.Errorf("%w: %w", apperror.ErrMalformedMessage, err)
	}

	return resp, nil
}

func subject(pinCode, name string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, pinCode, name)
}
