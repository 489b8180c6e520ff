package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit bounds inbound viewer messages, which are read only to notice a close.
const readLimit = 32768

type connState int

const (
	connConnecting connState = iota
	connReplaying
	connRegistered
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connReplaying:
		return "replaying"
	case connRegistered:
		return "registered"
	case connClosing:
		return "closing"
	case connClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// conn is one viewer. It is also the broadcast.Sink the registry sends the viewer's lines to.
type conn struct {
	log      *zap.SugaredLogger
	id       string
	addr     string
	registry Registry

	ws     *websocket.Conn
	cancel func()
	state  connState

	closeConnOnce sync.Once
}

func (c *conn) setState(s connState) {
	c.state = s
	c.log.Debugw("viewer state", "ID", c.id, "RemoteAddr", c.addr, "State", s)
}

// Send writes one line as a text message.
// A failed send cancels the connection, which unregisters the viewer and closes it.
func (c *conn) Send(ctx context.Context, line string) error {
	err := c.ws.Write(ctx, websocket.MessageText, []byte(line))
	if err != nil {
		c.cancel()
	}
	return err
}

func (c *conn) serve(w http.ResponseWriter, r *http.Request) {
	c.setState(connConnecting)
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		// viewers are unauthenticated, any origin may watch
		InsecureSkipVerify: true,
	})
	if err != nil {
		c.log.Infow("WebSocket handshake failed", "RemoteAddr", c.addr, "Error", err)
		c.setState(connClosed)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c.ws = wsConn
	c.cancel = cancel

	c.setState(connReplaying)
	err = c.registry.Join(ctx, c.id, c)
	if err != nil {
		c.log.Debugw("replay failed, dropping viewer", "ID", c.id, "Error", err)
		c.close(websocket.StatusInternalError, "replaying history failed")
		c.setState(connClosed)
		return
	}

	c.setState(connRegistered)
	c.log.Infow("viewer joined", "ID", c.id, "RemoteAddr", c.addr, "Clients", c.registry.Clients())

	// reads must outlive ctx, canceling a read tears the conn down before a close frame can be sent
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.receive(readCtx)
	}()

	code, reason := websocket.StatusNormalClosure, ""
	select {
	case <-readDone:
	case <-ctx.Done():
		if r.Context().Err() != nil {
			code, reason = websocket.StatusGoingAway, "server shutting down"
		} else {
			code, reason = websocket.StatusInternalError, "sending line failed"
		}
	}

	c.setState(connClosing)
	c.registry.Unregister(c.id)
	c.close(code, reason)
	cancelRead()
	<-readDone
	c.setState(connClosed)
	c.log.Infow("viewer left", "ID", c.id, "RemoteAddr", c.addr, "Clients", c.registry.Clients())
}

// receive discards inbound messages until the viewer closes the connection or a read fails.
func (c *conn) receive(ctx context.Context) {
	for {
		_, _, err := c.ws.Read(ctx)
		if websocket.CloseStatus(err) != -1 {
			c.log.Debugw("got closure from viewer", "ID", c.id, "Status", websocket.CloseStatus(err))
			return
		}
		if err != nil {
			c.log.Debugw("viewer read error", "ID", c.id, "Error", err)
			return
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}
