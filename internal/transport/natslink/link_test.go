package natslink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
	"github.com/rocketscienceinc/tictactoe-sync/internal/protocol"
	"github.com/rocketscienceinc/tictactoe-sync/internal/supervisor"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
	"github.com/rocketscienceinc/tictactoe-sync/testing/suite"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingHandler struct {
	mu       sync.Mutex
	messages [][]byte
	closed   []error
}

func (that *recordingHandler) OnMessage(data []byte) {
	that.mu.Lock()
	defer that.mu.Unlock()
	that.messages = append(that.messages, data)
}

func (that *recordingHandler) OnClose(err error) {
	that.mu.Lock()
	defer that.mu.Unlock()
	that.closed = append(that.closed, err)
}

func (that *recordingHandler) count() int {
	that.mu.Lock()
	defer that.mu.Unlock()
	return len(that.messages)
}

func (that *recordingHandler) closeErrs() []error {
	that.mu.Lock()
	defer that.mu.Unlock()
	return append([]error(nil), that.closed...)
}

func newDialer(st *suite.Suite, pinCode, playerID string, host bool) *Dialer {
	cfg := DefaultConfig()
	cfg.URL = st.NATSURL
	cfg.PinCode = pinCode
	cfg.PlayerID = playerID
	cfg.Host = host

	return New(st.Logger, cfg)
}

type dialResult struct {
	link transport.Link
	err  error
}

func hostAsync(ctx context.Context, dialer *Dialer, handler transport.Handler) <-chan dialResult {
	hosted := make(chan dialResult, 1)
	go func() {
		link, err := dialer.Dial(ctx, handler)
		hosted <- dialResult{link, err}
	}()
	return hosted
}

// joinWhenHosted retries while the host has not registered the code yet.
func joinWhenHosted(t *testing.T, ctx context.Context, dialer *Dialer, handler transport.Handler) transport.Link {
	t.Helper()

	var link transport.Link
	require.Eventually(t, func() bool {
		var err error
		link, err = dialer.Dial(ctx, handler)
		return err == nil
	}, waitFor, 50*time.Millisecond)

	return link
}

// waitForHost polls the connect subject the way a second host would.
func waitForHost(t *testing.T, url, pinCode string) {
	t.Helper()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	data, err := json.Marshal(hello{Role: roleHost, PlayerID: "probe"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := nc.Request(subject(pinCode, "connect"), data, time.Second)
		return err == nil
	}, waitFor, tick)
}

func TestDialer_Pairing(t *testing.T) {
	ctx, st := suite.NewNATS(t)

	t.Run("Host and guest pair up and exchange messages", func(t *testing.T) {
		hostHandler, guestHandler := &recordingHandler{}, &recordingHandler{}

		hosted := hostAsync(ctx, newDialer(st, "AB12CD", "client-a", true), hostHandler)
		guest := joinWhenHosted(t, ctx, newDialer(st, "AB12CD", "client-b", false), guestHandler)

		result := <-hosted
		require.NoError(t, result.err)
		host := result.link

		t.Cleanup(func() {
			_ = host.Close()
			_ = guest.Close()
		})

		require.NoError(t, host.Send(ctx, []byte(`{"type":"ping"}`)))
		require.NoError(t, guest.Send(ctx, []byte(`{"type":"pong"}`)))

		require.Eventually(t, func() bool {
			return hostHandler.count() == 1 && guestHandler.count() == 1
		}, waitFor, tick)
	})

	t.Run("Unknown code is not found", func(t *testing.T) {
		_, err := newDialer(st, "ZZZZZZ", "client-b", false).Dial(ctx, &recordingHandler{})

		require.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("Second host, third player and self join are refused", func(t *testing.T) {
		hosted := hostAsync(ctx, newDialer(st, "CODE01", "client-a", true), &recordingHandler{})
		guest := joinWhenHosted(t, ctx, newDialer(st, "CODE01", "client-b", false), &recordingHandler{})

		result := <-hosted
		require.NoError(t, result.err)
		t.Cleanup(func() {
			_ = result.link.Close()
			_ = guest.Close()
		})

		_, err := newDialer(st, "CODE01", "client-c", true).Dial(ctx, &recordingHandler{})
		require.ErrorIs(t, err, apperror.ErrCodeInUse)

		_, err = newDialer(st, "CODE01", "client-c", false).Dial(ctx, &recordingHandler{})
		require.ErrorIs(t, err, apperror.ErrGameFull)

		_, err = newDialer(st, "CODE01", "client-a", false).Dial(ctx, &recordingHandler{})
		require.ErrorIs(t, err, apperror.ErrSelfJoin)
	})

	t.Run("A host gives up waiting when ctx is done", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_, err := newDialer(st, "LONELY", "client-a", true).Dial(waitCtx, &recordingHandler{})

		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLink_Close(t *testing.T) {
	ctx, st := suite.NewNATS(t)

	hostHandler, guestHandler := &recordingHandler{}, &recordingHandler{}

	hosted := hostAsync(ctx, newDialer(st, "AB12CD", "client-a", true), hostHandler)
	guest := joinWhenHosted(t, ctx, newDialer(st, "AB12CD", "client-b", false), guestHandler)

	result := <-hosted
	require.NoError(t, result.err)

	// When: the host hangs up
	require.NoError(t, result.link.Close())
	require.NoError(t, result.link.Close())

	// Then: the guest hears about it and the host does not report its own close
	require.Eventually(t, func() bool {
		return len(guestHandler.closeErrs()) == 1
	}, waitFor, tick)
	require.ErrorIs(t, guestHandler.closeErrs()[0], apperror.ErrPeerClosed)
	assert.Empty(t, hostHandler.closeErrs())

	require.ErrorIs(t, guest.Send(ctx, []byte(`{"type":"ping"}`)), apperror.ErrNotConnected)
}

func TestSupervisor_OverNATS(t *testing.T) {
	ctx, st := suite.NewNATS(t)

	cfg := supervisor.DefaultConfig()
	cfg.IdleTimeout = 0

	hostDialer := newDialer(st, "AB12CD", "client-a", true)
	host := supervisor.New(st.Logger, cfg, clockwork.NewRealClock(), hostDialer, entity.PlayerX, nil)
	host.Start(ctx)

	// the guest may only look for the code once the host answers on it
	waitForHost(t, st.NATSURL, "AB12CD")

	guest := supervisor.New(st.Logger, cfg, clockwork.NewRealClock(), newDialer(st, "AB12CD", "client-b", false), entity.PlayerO, nil)
	guest.Start(ctx)

	t.Cleanup(func() {
		_ = host.Close()
		_ = guest.Close()
	})

	require.Eventually(t, func() bool {
		return host.State().State == supervisor.StateOpen && guest.State().State == supervisor.StateOpen
	}, waitFor, tick)

	// the host pushes its board first and moves once the guest answered
	require.Eventually(t, func() bool {
		return host.Move(4) == nil
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return guest.Board().Cells[4] == entity.PlayerX && guest.Phase() == protocol.PhaseLocalTurn
	}, waitFor, tick)

	require.NoError(t, guest.Move(0))

	require.Eventually(t, func() bool {
		return host.Board().Cells[0] == entity.PlayerO && host.Phase() == protocol.PhaseLocalTurn
	}, waitFor, tick)
}

// drop cuts a link's NATS connection the way a broker blip would.
func drop(link transport.Link) {
	link.(*Link).nc.Close()
}

func TestDialer_Rejoin(t *testing.T) {
	ctx, st := suite.NewNATS(t)

	pair := func(t *testing.T, pinCode string) (*Dialer, transport.Link, *Dialer, transport.Link, *recordingHandler) {
		t.Helper()

		hostDialer := newDialer(st, pinCode, "client-a", true)
		guestDialer := newDialer(st, pinCode, "client-b", false)
		guestHandler := &recordingHandler{}

		hosted := hostAsync(ctx, hostDialer, &recordingHandler{})
		guest := joinWhenHosted(t, ctx, guestDialer, guestHandler)

		result := <-hosted
		require.NoError(t, result.err)

		return hostDialer, result.link, guestDialer, guest, guestHandler
	}

	t.Run("A host coming back reaches a guest that stayed", func(t *testing.T) {
		// Given: a paired game whose host connection dropped
		hostDialer, host, _, guest, guestHandler := pair(t, "AB12CD")
		t.Cleanup(func() { _ = guest.Close() })
		drop(host)

		// When: the host dials again
		hostHandler := &recordingHandler{}
		result := <-hostAsync(ctx, hostDialer, hostHandler)
		require.NoError(t, result.err)
		t.Cleanup(func() { _ = result.link.Close() })

		// Then: its first message reaches the guest on the old link
		require.NoError(t, result.link.Send(ctx, []byte(`{"type":"ping"}`)))
		require.Eventually(t, func() bool {
			return guestHandler.count() == 1
		}, waitFor, tick)
		assert.Empty(t, guestHandler.closeErrs())
	})

	t.Run("A host coming back waits until the guest listens again", func(t *testing.T) {
		// Given: both connections dropped
		hostDialer, host, guestDialer, guest, _ := pair(t, "CODE01")
		drop(host)
		drop(guest)

		// When: the host dials first
		hosted := hostAsync(ctx, hostDialer, &recordingHandler{})

		// Then: it does not report the link open to an absent guest
		select {
		case result := <-hosted:
			t.Fatalf("host opened without a guest: %v", result.err)
		case <-time.After(300 * time.Millisecond):
		}

		// And: the guest's hello opens it, and the first message gets through
		guestHandler := &recordingHandler{}
		rejoined := joinWhenHosted(t, ctx, guestDialer, guestHandler)
		t.Cleanup(func() { _ = rejoined.Close() })

		result := <-hosted
		require.NoError(t, result.err)
		t.Cleanup(func() { _ = result.link.Close() })

		require.NoError(t, result.link.Send(ctx, []byte(`{"type":"ping"}`)))
		require.Eventually(t, func() bool {
			return guestHandler.count() == 1
		}, waitFor, tick)
	})
}
