package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

type sessionRegistry interface {
	CreateSession(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
	JoinSession(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
	MakeMove(ctx context.Context, pinCode, participantID string, cell int) (*entity.Session, entity.Outcome, error)
	Reset(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
	Chat(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
	Sync(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
	Disconnect(ctx context.Context, pinCode, participantID string) (*entity.Session, error)
}

type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

type handlerFunc func(ctx context.Context, c *client, req RequestPayload) error

// Server relays a game between two sockets and keeps the session registry authoritative.
type Server struct {
	logger   *slog.Logger
	registry sessionRegistry
	cfg      Config
	upgrader websocket.Upgrader

	handlers map[string]handlerFunc

	connectionsMutex sync.RWMutex
	connections      map[string]*client
}

func New(logger *slog.Logger, registry sessionRegistry, cfg Config) *Server {
	server := &Server{
		logger:      logger.With("component", "relay"),
		registry:    registry,
		cfg:         cfg,
		connections: make(map[string]*client),
	}

	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}

	server.handlers = map[string]handlerFunc{
		ActionCreateGame:  server.handleCreateGame,
		ActionJoinGame:    server.handleJoinGame,
		ActionMakeMove:    server.handleMakeMove,
		ActionChatMessage: server.handleChatMessage,
		ActionResetGame:   server.handleResetGame,
		ActionSyncBoard:   server.handleSyncBoard,
		ActionPing:        server.handlePing,
	}

	return server
}

func (that *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", that.upgradeToWebSocket)
	return mux
}

// Start - starts WebSocket server and stops it when ctx is done.
func (that *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           that.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			that.logger.Error("failed to shutdown relay", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Expire tells the participants of an expired session and hangs up on them.
func (that *Server) Expire(session *entity.Session) {
	for _, participant := range session.Participants {
		c := that.connection(participant.ID)
		if c == nil || c.pinCode() != session.PinCode {
			continue
		}

		c.sendError(apperror.ErrSessionExpired)
		c.close()
	}
}

// upgradeToWebSocket - upgrades the connection to WebSocket and serves it until it closes.
func (that *Server) upgradeToWebSocket(writer http.ResponseWriter, req *http.Request) {
	log := that.logger.With("method", "upgradeToWebSocket")

	conn, err := that.upgrader.Upgrade(writer, req, nil)
	if err != nil {
		log.Error("failed to upgrade connection", "error", err)
		return
	}

	log.Info("WebSocket connection established", "remote", req.RemoteAddr)

	c := newClient(that, conn)

	go c.writePump()
	c.readPump(req.Context())

	that.leave(context.WithoutCancel(req.Context()), c)
}

func (that *Server) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(that.cfg.AllowedOrigins) == 0 {
		return true
	}

	return slices.Contains(that.cfg.AllowedOrigins, "*") || slices.Contains(that.cfg.AllowedOrigins, origin)
}

func (that *Server) connection(playerID string) *client {
	that.connectionsMutex.RLock()
	defer that.connectionsMutex.RUnlock()

	return that.connections[playerID]
}

// bind attaches the socket to a participant of a session, replacing an older socket
// of the same participant.
func (that *Server) bind(c *client, pinCode, playerID string) {
	that.connectionsMutex.Lock()
	previous := that.connections[playerID]
	that.connections[playerID] = c
	that.connectionsMutex.Unlock()

	c.setIdentity(pinCode, playerID)

	if previous != nil && previous != c {
		previous.setIdentity("", "")
		previous.close()
	}
}

// leave releases the socket's seat and tells the opponent.
func (that *Server) leave(ctx context.Context, c *client) {
	pinCode, playerID := c.identity()
	if playerID == "" {
		return
	}

	log := that.logger.With("method", "leave", "pinCode", pinCode, "playerID", playerID)

	that.connectionsMutex.Lock()
	if that.connections[playerID] == c {
		delete(that.connections, playerID)
	}
	that.connectionsMutex.Unlock()

	c.setIdentity("", "")

	session, err := that.registry.Disconnect(ctx, pinCode, playerID)
	if err != nil {
		log.Debug("session already gone", "error", err)
		return
	}

	opponent := session.Opponent(playerID)
	if opponent == nil {
		return
	}

	that.sendTo(opponent.ID, EventOpponentDisconnected, GamePayload{PinCode: pinCode})
	log.Info("player disconnected")
}

// broadcast sends a per-participant payload to every connected participant of the session.
func (that *Server) broadcast(session *entity.Session, action string, build func(participant *entity.Participant) any) {
	for _, participant := range session.Participants {
		that.sendTo(participant.ID, action, build(participant))
	}
}

func (that *Server) sendTo(playerID, action string, payload any) {
	c := that.connection(playerID)
	if c == nil {
		return
	}

	if err := c.sendMessage(action, payload); err != nil {
		that.logger.Error("failed to send message", "action", action, "playerID", playerID, "error", err)
	}
}
