package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// wsConn carries the event byte stream over a WebSocket. Each Write is sent
// as one binary message; reads concatenate incoming messages, so an event may
// span several messages or share one with its neighbours.
type wsConn struct {
	c *websocket.Conn
	r io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			mt, r, err := w.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if errors.Is(err, io.EOF) {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetWriteDeadline(t time.Time) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.c.SetWriteDeadline(t)
}

// Close may run while a Write is blocked; WriteControl and Close are safe
// alongside it.
func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}

// serveWS upgrades the request and runs a session over it. base bounds the
// session's lifetime beyond the request, since hijacked connections outlive
// http.Server.Shutdown.
func serveWS(base context.Context, h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied
			h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(base, cancel)
		defer stop()
		h.Serve(ctx, &wsConn{c: conn}, r.RemoteAddr)
	}
}
