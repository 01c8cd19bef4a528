package ws

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session wraps a websocket connection with a write mutex so the broadcast
// loop and per-peer replies never interleave frames.
type Session struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	writeWait time.Duration
}

// NewSession adopts an upgraded connection.
func NewSession(conn *websocket.Conn, writeWait time.Duration) *Session {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &Session{conn: conn, writeWait: writeWait}
}

// WriteBinary sends one binary frame under the session's write deadline.
func (s *Session) WriteBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Ping sends a control ping stamped with the current wall clock so the pong
// echo yields a round-trip measurement.
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(s.writeWait))
}

// CloseWithPolicyViolation rejects a session during handshake.
func (s *Session) CloseWithPolicyViolation(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	s.conn.WriteMessage(websocket.CloseMessage, message)
	return s.conn.Close()
}

// Close tears the connection down.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr reports the peer's network address for logs.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ReadBinary blocks for the next binary frame, skipping text frames from
// misbehaving clients.
func (s *Session) ReadBinary() ([]byte, error) {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

// PongTimestamp parses the echoed ping payload.
func PongTimestamp(appData string) (int64, error) {
	value, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pong payload: %w", err)
	}
	return value, nil
}

// SetPongHandler installs the heartbeat callback and read deadline refresh.
func (s *Session) SetPongHandler(deadline time.Duration, handler func(clientSent int64)) {
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(deadline))
		if handler != nil {
			clientSent, err := PongTimestamp(appData)
			if err != nil {
				clientSent = 0
			}
			handler(clientSent)
		}
		return nil
	})
}
