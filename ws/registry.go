// Package ws owns the per-gateway realtime channel: a websocket session
// registry keyed by user id, fed by the event bridge. A user connected to a
// different gateway instance simply has no sessions here and the event is
// dropped, which is what lets gateways scale horizontally without sticky
// sessions.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced upstream of the gateway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// session is one live websocket subscription for a user.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan *payout.StatusEvent
}

// Registry maps user ids to their live sessions on this gateway instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*session
	log      *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*session),
		log:      log.Named("ws"),
	}
}

// HandleConnect upgrades the request and registers the session under userID.
// The connection is served until the peer disconnects.
func (r *Registry) HandleConnect(w http.ResponseWriter, req *http.Request, userID string) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan *payout.StatusEvent, 16),
	}
	r.add(s)
	go r.writeLoop(s)
	go r.readLoop(s)
	return nil
}

func (r *Registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.userID] == nil {
		r.sessions[s.userID] = make(map[string]*session)
	}
	r.sessions[s.userID][s.id] = s
	r.log.Debug("session connected",
		zap.String("user_id", s.userID), zap.String("session_id", s.id))
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sessions[s.userID]; ok {
		if _, ok := set[s.id]; ok {
			delete(set, s.id)
			close(s.send)
			if len(set) == 0 {
				delete(r.sessions, s.userID)
			}
		}
	}
}

// Deliver implements events.Sink: fan the event out to every local session of
// the target user. Users connected to another instance have no sessions here
// and the event is silently dropped.
func (r *Registry) Deliver(event *payout.StatusEvent) {
	r.mu.RLock()
	set := r.sessions[event.UserID]
	targets := make([]*session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.send <- event:
		default:
			r.log.Warn("session send buffer full, dropping event",
				zap.String("user_id", s.userID), zap.String("session_id", s.id))
		}
	}
}

// SessionCount reports how many sessions a user has on this instance.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

func (r *Registry) writeLoop(s *session) {
	for event := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(event); err != nil {
			r.log.Debug("session write failed",
				zap.String("session_id", s.id), zap.Error(err))
			s.conn.Close()
			return
		}
	}
}

func (r *Registry) readLoop(s *session) {
	defer func() {
		r.remove(s)
		s.conn.Close()
		r.log.Debug("session disconnected",
			zap.String("user_id", s.userID), zap.String("session_id", s.id))
	}()
	for {
		// Clients don't send payloads; the read pump only detects disconnect.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseAll tears down every session, used on gateway shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.sessions {
		for _, s := range set {
			s.conn.Close()
		}
	}
	r.sessions = make(map[string]map[string]*session)
}
