package natslink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/transport"
)

const (
	controlHeader = "Tictactoe-Control"
	controlClose  = "close"
	controlKnock  = "knock"

	closeFlushTimeout = time.Second
)

var errConnectionLost = errors.New("NATS connection lost")

// Link is one NATS connection subscribed to our inbox and publishing to the peer's.
type Link struct {
	logger      *slog.Logger
	nc          *nats.Conn
	handler     transport.Handler
	peerSubject string

	mu   sync.Mutex
	subs []*nats.Subscription

	closed atomic.Bool
}

func (that *Link) Send(_ context.Context, data []byte) error {
	if that.closed.Load() {
		return apperror.ErrNotConnected
	}

	if err := that.nc.Publish(that.peerSubject, data); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	return nil
}

// Close tells the peer we are gone and drops the connection.
func (that *Link) Close() error {
	if !that.closed.CompareAndSwap(false, true) {
		return nil
	}

	msg := nats.NewMsg(that.peerSubject)
	msg.Header.Set(controlHeader, controlClose)

	if err := that.nc.PublishMsg(msg); err == nil {
		_ = that.nc.FlushTimeout(closeFlushTimeout)
	}

	that.nc.Close()

	return nil
}

func (that *Link) subscribe(subj string, cb nats.MsgHandler) error {
	sub, err := that.nc.Subscribe(subj, cb)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}

	that.mu.Lock()
	that.subs = append(that.subs, sub)
	that.mu.Unlock()

	return nil
}

func (that *Link) receive(msg *nats.Msg) {
	if that.closed.Load() {
		return
	}

	switch msg.Header.Get(controlHeader) {
	case controlClose:
		if that.closed.CompareAndSwap(false, true) {
			go that.nc.Close()
			that.handler.OnClose(apperror.ErrPeerClosed)
		}
		return
	case controlKnock:
		if err := msg.Respond(nil); err != nil {
			that.logger.Warn("failed to answer knock", "error", err)
		}
		return
	}

	that.handler.OnMessage(msg.Data)
}

// lost is the connection's closed callback.
func (that *Link) lost(nc *nats.Conn) {
	if !that.closed.CompareAndSwap(false, true) {
		return
	}

	err := errConnectionLost
	if last := nc.LastError(); last != nil {
		err = fmt.Errorf("%w: %w", errConnectionLost, last)
	}

	that.logger.Warn("peer link lost", "error", err)
	that.handler.OnClose(err)
}

// shutdown drops a link that never opened, without telling anybody.
func (that *Link) shutdown() {
	that.closed.Store(true)

	that.mu.Lock()
	for _, sub := range that.subs {
		_ = sub.Unsubscribe()
	}
	that.subs = nil
	that.mu.Unlock()

	if that.nc != nil {
		that.nc.Close()
	}
}
