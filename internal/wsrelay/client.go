package wsrelay

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
	sendBuffer   = 64
)

// client owns one websocket and its session. The read pump dispatches inbound
// envelopes into the signaling state; the write pump drains the send channel
// that the server's sink fills.
type client struct {
	sessionID string
	conn      *websocket.Conn
	srv       *Server
	send      chan proto.Envelope
	done      chan struct{}
	once      sync.Once
}

func newClient(sessionID string, conn *websocket.Conn, srv *Server) *client {
	return &client{
		sessionID: sessionID,
		conn:      conn,
		srv:       srv,
		send:      make(chan proto.Envelope, sendBuffer),
		done:      make(chan struct{}),
	}
}

// close tears the socket down without touching the session; the read pump's
// exit path handles unregistration. Safe to call from any goroutine, any
// number of times.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.srv.remove(c)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A pong is activity; keep the session out of the sweeper's reach.
		_ = c.srv.state.Touch(c.sessionID)
		return nil
	})

	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WS: session %s read error: %v", c.sessionID, err)
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch maps one inbound envelope onto the signaling state. Bad frames get
// an error envelope back; the socket stays open.
func (c *client) dispatch(env proto.Envelope) {
	sig, err := proto.DecodeSignal(env)
	if err != nil {
		c.reply(proto.ErrorMsg{Message: err.Error()})
		return
	}

	switch m := sig.(type) {
	case proto.ConnectMsg:
		ack, err := c.srv.state.CreateConnection(c.sessionID, m.ConnectionID)
		if err != nil {
			if errors.Is(err, signal.ErrConnectionInUse) {
				c.reply(proto.ErrorMsg{Message: err.Error()})
				return
			}
			c.close()
			return
		}
		c.reply(ack)

	case proto.OfferMsg:
		if err := c.srv.state.RouteOffer(c.sessionID, m.ConnectionID, m.SDP); err != nil {
			c.close()
		}

	case proto.AnswerMsg:
		if err := c.srv.state.RouteAnswer(c.sessionID, m.ConnectionID, m.SDP); err != nil {
			c.close()
		}

	case proto.CandidateMsg:
		if err := c.srv.state.RouteCandidate(c.sessionID, m); err != nil {
			c.close()
		}

	case proto.DisconnectMsg:
		ack, err := c.srv.state.DeleteConnection(c.sessionID, m.ConnectionID)
		if err != nil {
			c.close()
			return
		}
		c.reply(ack)

	default:
		c.reply(proto.ErrorMsg{Message: "unsupported signal type " + env.Type})
	}
}

func (c *client) reply(sig proto.Signal) {
	env, err := proto.NewEnvelope("", "", sig)
	if err != nil {
		log.Printf("WS: encode reply for %s: %v", c.sessionID, err)
		return
	}
	select {
	case c.send <- env:
	case <-c.done:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(env)
			if err != nil {
				log.Printf("WS: marshal frame for %s: %v", c.sessionID, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
