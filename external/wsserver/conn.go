package wsserver

import (
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/ingest"
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to ingest.Conn. Gorilla allows one concurrent writer, so writes are serialized.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadFrame() (ingest.Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return ingest.Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return ingest.Frame{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return ingest.Frame{Data: data}, nil
		}
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
