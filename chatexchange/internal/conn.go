package internal

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// readLimit bounds a single event frame.
const readLimit = 4 << 20

// Conn is one generation of a room's event socket. It only reads; the
// chat server never expects client frames.
type Conn struct {
	ID string

	ws        *websocket.Conn
	readCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Dial opens the socket at rawURL, sending origin as the Origin header.
// The handshake is bounded by ctx.
func Dial(ctx context.Context, rawURL, origin string) (*Conn, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	readCtx, cancel := context.WithCancel(context.Background())
	return &Conn{ID: uuid.NewString(), ws: ws, readCtx: readCtx, cancel: cancel}, nil
}

// Run starts the read loop. onFrame receives every text frame on the loop
// goroutine. onExit is called once when the loop stops for a reason other
// than Close; it may be nil. A loop started after Close exits quietly.
func (c *Conn) Run(onFrame func([]byte), onExit func(error)) {
	ctx := c.readCtx
	go func() {
		for {
			typ, data, err := c.ws.Read(ctx)
			if err != nil {
				if !IsExpectedDisconnect(ctx, err) && onExit != nil {
					onExit(err)
				}
				return
			}
			if typ == websocket.MessageText {
				onFrame(data)
			}
		}
	}()
}

// Close stops the read loop and drops the socket without waiting for a
// close handshake; a dead peer would otherwise stall it for seconds.
// Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.ws.CloseNow(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// IsExpectedDisconnect reports whether err is the normal end of a read
// loop: a cancelled context, EOF or a normal close status.
func IsExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
