// Package client connects a local participant to the relay and drives its
// mesh of peer links.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("client: connection closed")

// SignalClient is the client end of the real-time channel. It implements
// mesh.Signaler.
type SignalClient struct {
	conn     *websocket.Conn
	incoming chan protocol.Envelope
	outgoing chan protocol.Envelope
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Dial opens the websocket at serverURL and starts the pumps.
func Dial(ctx context.Context, serverURL string) (*SignalClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &SignalClient{
		conn:     conn,
		incoming: make(chan protocol.Envelope, 64),
		outgoing: make(chan protocol.Envelope, 64),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	log.Info().Str("module", "client").Str("url", u.String()).Msg("signaling connected")
	return c, nil
}

// Incoming is closed when the connection ends.
func (c *SignalClient) Incoming() <-chan protocol.Envelope {
	return c.incoming
}

func (c *SignalClient) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close sends a close frame, shuts the socket and waits for both pumps.
func (c *SignalClient) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *SignalClient) readPump() {
	defer func() {
		c.wg.Done()
		c.once.Do(func() { close(c.done) })
		_ = c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "client").Msg("signaling read error")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("malformed frame")
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *SignalClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			if !c.write(env) {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes what was queued before the close, e.g. leave-room.
func (c *SignalClient) flush() {
	for {
		select {
		case env := <-c.outgoing:
			if !c.write(env) {
				return
			}
		default:
			return
		}
	}
}

func (c *SignalClient) write(env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("type", env.Type).Msg("encode")
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("module", "client").Str("type", env.Type).Msg("write")
		return false
	}
	return true
}
