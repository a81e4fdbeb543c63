package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Acceptor accepts connections on a listener and serves each in its own
// session. There is no limit on concurrent sessions.
type Acceptor struct {
	handler *Handler
	name    string
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewAcceptor(name string, h *Handler, log *slog.Logger) *Acceptor {
	if log == nil {
		log = slog.Default()
	}
	return &Acceptor{handler: h, name: name, log: log.With("listener", name)}
}

// Serve accepts until ctx is canceled or the listener fails. On return the
// listener is closed and every session it started has ended.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer a.wg.Wait()

	a.log.Info("accepting connections", "addr", ln.Addr().String())
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				a.log.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			ln.Close()
			return err
		}
		backoff = 0
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handler.Serve(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}
