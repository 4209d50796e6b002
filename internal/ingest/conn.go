package ingest

// Frame is one websocket message. Binary frames carry audio; text frames carry JSON control messages.
type Frame struct {
	Binary bool
	Data   []byte
}

// Conn is one client connection. WriteJSON must be safe for concurrent use.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteJSON(v any) error
	Close() error
}
