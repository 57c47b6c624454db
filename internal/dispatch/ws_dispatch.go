package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSSession represents a connected client
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds one live session per user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[int64]*WSSession)} }

// Add registers conn for userID, closing any session it replaces.
func (r *WSRegistry) Add(userID int64, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// Remove drops the session only if it is still bound to conn.
func (r *WSRegistry) Remove(userID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Connected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, userID int64, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		r.Remove(userID, s.conn)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
