package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"claimdesk/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 16 << 10
	sendBufferSize = 32
)

var ErrConnectionClosed = errors.New("connection closed")

// Frame is the JSON envelope for both directions of a stream socket.
type Frame struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	FrameAuth      = "auth"
	FrameLogout    = "logout"
	FrameSnapshot  = "snapshot"
	FrameError     = "error"
	FrameSignedOut = "signed_out"
)

// Connection wraps a websocket and funnels outbound writes through one
// goroutine. It is safe for concurrent use.
type Connection struct {
	ID string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:    util.NewID("ws"),
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		close: make(chan struct{}),
	}
}

// Start launches the write loop. Call it once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A client too slow to drain its buffer is
// disconnected.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *Connection) SendFrame(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// SendData wraps v as the data of a frame of the given type.
func (c *Connection) SendData(frameType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendFrame(Frame{Type: frameType, Data: data})
}

func (c *Connection) Done() <-chan struct{} {
	return c.close
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// ReadFrames decodes inbound frames until the peer goes away. Malformed
// frames are answered with an error frame.
func (c *Connection) ReadFrames(handle func(Frame)) error {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Type == "" {
			_ = c.SendFrame(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		handle(frame)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
