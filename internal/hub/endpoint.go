package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/bilimix/internal/config"
)

var errEndpointStalled = errors.New("endpoint send buffer full")

// Endpoint is one connected viewer: a websocket connection plus a buffered
// outbound channel serviced by its own write pump.
type Endpoint struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	cfg  config.WebSocketConfig

	closeOnce sync.Once
	done      chan struct{}
}

func NewEndpoint(id string, conn *websocket.Conn, cfg config.WebSocketConfig) *Endpoint {
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Endpoint{
		ID:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// deliver hands data to the write pump without blocking. A full buffer or a
// finished endpoint counts as a delivery failure.
func (e *Endpoint) deliver(data []byte) error {
	select {
	case <-e.done:
		return errors.New("endpoint closed")
	default:
	}
	select {
	case e.send <- data:
		return nil
	default:
		return errEndpointStalled
	}
}

// WritePump services the outbound channel and keeps the connection alive
// with pings. It owns all writes to the connection.
func (e *Endpoint) WritePump() {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		e.conn.Close()
		e.closeOnce.Do(func() { close(e.done) })
	}()

	for {
		select {
		case message, ok := <-e.send:
			e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteWait))
			if !ok {
				e.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := e.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards inbound frames (viewers only listen) and reports the
// disconnect; it is what keeps pong handling alive.
func (e *Endpoint) ReadPump(onClose func(*Endpoint)) {
	defer func() {
		e.Close()
		onClose(e)
	}()

	e.conn.SetReadLimit(e.cfg.MaxMessageSize)
	e.conn.SetReadDeadline(time.Now().Add(e.cfg.PongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(e.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := e.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close tears the connection down; safe to call more than once.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	if e.conn != nil {
		e.conn.Close()
	}
}
