package wslink

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/protocol"
	"github.com/rocketscienceinc/tictactoe-sync/internal/service"
	"github.com/rocketscienceinc/tictactoe-sync/internal/supervisor"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
	relay "github.com/rocketscienceinc/tictactoe-sync/transport/websocket"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]entity.Session
}

func (that *memoryStore) Create(_ context.Context, session *entity.Session) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if _, ok := that.sessions[session.PinCode]; ok {
		return apperror.ErrCodeInUse
	}
	that.sessions[session.PinCode] = *session
	return nil
}

func (that *memoryStore) Save(_ context.Context, session *entity.Session) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.sessions[session.PinCode] = *session
	return nil
}

func (that *memoryStore) GetByPin(_ context.Context, pinCode string) (*entity.Session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	session, ok := that.sessions[pinCode]
	if !ok {
		return nil, apperror.ErrNotFound
	}
	return &session, nil
}

func (that *memoryStore) DeleteByPin(_ context.Context, pinCode string) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	delete(that.sessions, pinCode)
	return nil
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []protocol.Message
	closed   []error
}

func (that *recordingHandler) OnMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}

	that.mu.Lock()
	defer that.mu.Unlock()
	that.messages = append(that.messages, msg)
}

func (that *recordingHandler) OnClose(err error) {
	that.mu.Lock()
	defer that.mu.Unlock()
	that.closed = append(that.closed, err)
}

func (that *recordingHandler) received() []protocol.Message {
	that.mu.Lock()
	defer that.mu.Unlock()
	return append([]protocol.Message(nil), that.messages...)
}

func (that *recordingHandler) last() protocol.Message {
	messages := that.received()
	if len(messages) == 0 {
		return protocol.Message{}
	}
	return messages[len(messages)-1]
}

func (that *recordingHandler) closeErrs() []error {
	that.mu.Lock()
	defer that.mu.Unlock()
	return append([]error(nil), that.closed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func startRelay(t *testing.T) (string, *service.Registry) {
	t.Helper()

	logger := testLogger()
	registry := service.NewRegistry(logger, &memoryStore{sessions: make(map[string]entity.Session)}, clockwork.NewRealClock(), time.Minute)
	server := relay.New(logger, registry, relay.DefaultConfig())

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws", registry
}

func newDialer(url, pinCode, playerID string, host bool) *Dialer {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PinCode = pinCode
	cfg.PlayerID = playerID
	cfg.Host = host

	return New(testLogger(), cfg)
}

type dialResult struct {
	link transport.Link
	err  error
}

// pairUp hosts and joins AB12CD and returns both open links.
func pairUp(t *testing.T, url string) (transport.Link, *recordingHandler, transport.Link, *recordingHandler) {
	t.Helper()

	ctx := context.Background()
	hostHandler, guestHandler := &recordingHandler{}, &recordingHandler{}

	hosted := make(chan dialResult, 1)
	go func() {
		link, err := newDialer(url, "AB12CD", "client-a", true).Dial(ctx, hostHandler)
		hosted <- dialResult{link, err}
	}()

	// the guest may only look for the code once it exists
	var (
		guest transport.Link
		err   error
	)
	require.Eventually(t, func() bool {
		guest, err = newDialer(url, "AB12CD", "client-b", false).Dial(ctx, guestHandler)
		return err == nil
	}, waitFor, tick)

	result := <-hosted
	require.NoError(t, result.err)

	t.Cleanup(func() {
		_ = result.link.Close()
		_ = guest.Close()
	})

	return result.link, hostHandler, guest, guestHandler
}

func send(t *testing.T, link transport.Link, msg protocol.Message) {
	t.Helper()

	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, link.Send(context.Background(), data))
}

func TestDialer_Dial(t *testing.T) {
	t.Run("Both sides open with the relay board as an echo sync", func(t *testing.T) {
		url, _ := startRelay(t)

		_, hostHandler, _, guestHandler := pairUp(t, url)

		for _, handler := range []*recordingHandler{hostHandler, guestHandler} {
			first := handler.received()[0]
			assert.Equal(t, protocol.KindSync, first.Type)
			assert.True(t, first.Echo)
			assert.Equal(t, entity.PlayerX, first.Turn)
			assert.True(t, first.Board.IsEmpty())
		}
	})

	t.Run("Joining an unknown code is not found", func(t *testing.T) {
		url, _ := startRelay(t)

		_, err := newDialer(url, "ZZZZZZ", "client-b", false).Dial(context.Background(), &recordingHandler{})

		require.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("A host gives up waiting when ctx is done", func(t *testing.T) {
		url, _ := startRelay(t)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := newDialer(url, "AB12CD", "client-a", true).Dial(ctx, &recordingHandler{})

		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("An unreachable relay is a plain dial error", func(t *testing.T) {
		_, err := newDialer("ws://127.0.0.1:1/ws", "AB12CD", "client-a", true).Dial(context.Background(), &recordingHandler{})

		require.Error(t, err)
		assert.NotErrorIs(t, err, apperror.ErrNotFound)
	})
}

func TestLink_Relay(t *testing.T) {
	t.Run("A move comes back to both sides with the relay seq", func(t *testing.T) {
		url, _ := startRelay(t)
		host, hostHandler, _, guestHandler := pairUp(t, url)

		board, err := entity.NewBoard().ApplyMove(4, entity.PlayerX)
		require.NoError(t, err)
		send(t, host, protocol.NewMove(4, entity.PlayerX, board, 1))

		for _, handler := range []*recordingHandler{hostHandler, guestHandler} {
			require.Eventually(t, func() bool {
				return handler.last().Type == protocol.KindMove
			}, waitFor, tick)

			move := handler.last()
			assert.Equal(t, uint64(1), move.Seq)
			assert.Equal(t, 4, *move.Index)
			assert.Equal(t, entity.PlayerX, move.Symbol)
			assert.Equal(t, entity.PlayerO, move.Turn)
		}
	})

	t.Run("A refused move pulls the relay board back", func(t *testing.T) {
		url, _ := startRelay(t)
		_, _, guest, guestHandler := pairUp(t, url)

		// When: O plays although X is to move
		board, err := entity.Board{Turn: entity.PlayerO}.ApplyMove(0, entity.PlayerO)
		require.NoError(t, err)
		send(t, guest, protocol.NewMove(0, entity.PlayerO, board, 1))

		// Then: an echo sync with the untouched board arrives
		require.Eventually(t, func() bool {
			return len(guestHandler.received()) == 2
		}, waitFor, tick)

		sync := guestHandler.last()
		assert.Equal(t, protocol.KindSync, sync.Type)
		assert.True(t, sync.Echo)
		assert.True(t, sync.Board.IsEmpty())
		assert.Empty(t, guestHandler.closeErrs())
	})

	t.Run("Chat goes to the opponent and pings are answered", func(t *testing.T) {
		url, _ := startRelay(t)
		host, hostHandler, _, guestHandler := pairUp(t, url)

		send(t, host, protocol.NewChat("gl hf"))
		send(t, host, protocol.NewPing(false))

		require.Eventually(t, func() bool {
			return guestHandler.last().Type == protocol.KindChat
		}, waitFor, tick)
		assert.Equal(t, "gl hf", guestHandler.last().Message)

		require.Eventually(t, func() bool {
			return hostHandler.last().Type == protocol.KindPong
		}, waitFor, tick)
	})

	t.Run("Echo syncs and game over stay local", func(t *testing.T) {
		url, _ := startRelay(t)
		host, _, _, guestHandler := pairUp(t, url)

		send(t, host, protocol.NewSync(entity.NewBoard(), 0, true))
		send(t, host, protocol.NewGameOver("X Wins!"))
		send(t, host, protocol.NewChat("marker"))

		require.Eventually(t, func() bool {
			return guestHandler.last().Type == protocol.KindChat
		}, waitFor, tick)
		assert.Len(t, guestHandler.received(), 2)
	})

	t.Run("A local close is not reported, sends fail afterwards", func(t *testing.T) {
		url, _ := startRelay(t)
		host, hostHandler, _, _ := pairUp(t, url)

		require.NoError(t, host.Close())
		require.NoError(t, host.Close())

		require.ErrorIs(t, host.Send(context.Background(), []byte(`{"type":"ping"}`)), apperror.ErrNotConnected)

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, hostHandler.closeErrs())
	})
}

func TestSupervisor_OverRelay(t *testing.T) {
	url, registry := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := supervisor.DefaultConfig()
	cfg.PingInterval = 0
	cfg.IdleTimeout = 0

	host := supervisor.New(testLogger(), cfg, clockwork.NewRealClock(), newDialer(url, "AB12CD", "client-a", true), entity.PlayerX, nil)
	guest := supervisor.New(testLogger(), cfg, clockwork.NewRealClock(), newDialer(url, "AB12CD", "client-b", false), entity.PlayerO, nil)

	host.Start(ctx)
	require.Eventually(t, func() bool {
		_, err := registry.Get("AB12CD")
		return err == nil
	}, waitFor, tick)
	guest.Start(ctx)

	t.Cleanup(func() {
		_ = host.Close()
		_ = guest.Close()
	})

	require.Eventually(t, func() bool {
		return host.State().State == supervisor.StateOpen && guest.State().State == supervisor.StateOpen
	}, waitFor, tick)

	// the host may move once its board push has been answered
	require.Eventually(t, func() bool {
		return host.Move(4) == nil
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return guest.Board().Cells[4] == entity.PlayerX
	}, waitFor, tick)
	assert.Equal(t, protocol.PhaseLocalTurn, guest.Phase())

	require.NoError(t, guest.Move(0))

	require.Eventually(t, func() bool {
		return host.Board().Cells[0] == entity.PlayerO && host.Phase() == protocol.PhaseLocalTurn
	}, waitFor, tick)
}
