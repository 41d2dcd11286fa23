package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const streamBufferSize = 64

// presencePalette supplies the per-session cursor colors, assigned
// round-robin at registration.
var presencePalette = []string{
	"#e05252", "#52a852", "#5271e0", "#e0a152",
	"#9a52e0", "#52c7c7", "#e052b8", "#8fa832",
}

var (
	// ErrInvalidSession indicates missing or malformed session fields.
	ErrInvalidSession = errors.New("session: invalid session")
	// ErrUnknownSession indicates an operation on an unregistered connection.
	ErrUnknownSession = errors.New("session: unknown connection")
	// ErrInvalidRoomID indicates an empty room identifier.
	ErrInvalidRoomID = errors.New("session: invalid room id")
)

// Frame is one outbound transport message. Droppable frames (presence) are
// discarded when a session's stream is full; non-droppable frames abort the
// slow session instead, forcing a rejoin with a fresh full-state transfer.
type Frame struct {
	Payload   []byte
	Droppable bool
}

// Session is one authenticated live connection.
type Session struct {
	connectionID  string
	userID        string
	displayName   string
	presenceColor string

	stream    chan Frame
	abort     func()
	abortOnce sync.Once
}

// ConnectionID returns the unique connection identifier.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// UserID returns the authenticated user identifier.
func (s *Session) UserID() string {
	return s.userID
}

// DisplayName returns the user-facing name presented to room peers.
func (s *Session) DisplayName() string {
	return s.displayName
}

// PresenceColor returns the cursor color assigned to this session.
func (s *Session) PresenceColor() string {
	return s.presenceColor
}

// Stream exposes the outbound frame queue drained by the connection writer.
func (s *Session) Stream() <-chan Frame {
	return s.stream
}

// Deliver enqueues a frame directly to this session. Returns false when the
// frame was discarded (droppable) or the session was aborted (non-droppable).
func (s *Session) Deliver(frame Frame) bool {
	select {
	case s.stream <- frame:
		return true
	default:
		if !frame.Droppable {
			s.Abort()
		}
		return false
	}
}

// Abort tears the connection down; safe to call more than once.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		if s.abort != nil {
			s.abort()
		}
	})
}

// RegisterConfig describes a new connection entering the registry.
type RegisterConfig struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Abort        func()
}

// Registry tracks connected sessions and their room subscriptions. Room
// membership is explicit state so that broadcast rules, in particular the
// no-self-echo guarantee, are independently testable.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	rooms     map[string]map[string]*Session
	joined    map[string]map[string]struct{}
	nextColor int
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register creates and tracks a session for a freshly authenticated
// connection, assigning its presence color.
func (r *Registry) Register(cfg RegisterConfig) (*Session, error) {
	connectionID := strings.TrimSpace(cfg.ConnectionID)
	userID := strings.TrimSpace(cfg.UserID)
	if connectionID == "" {
		return nil, fmt.Errorf("%w: empty connection id", ErrInvalidSession)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidSession)
	}
	displayName := strings.TrimSpace(cfg.DisplayName)
	if displayName == "" {
		displayName = userID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connectionID]; exists {
		return nil, fmt.Errorf("%w: duplicate connection id %s", ErrInvalidSession, connectionID)
	}

	sess := &Session{
		connectionID:  connectionID,
		userID:        userID,
		displayName:   displayName,
		presenceColor: presencePalette[r.nextColor%len(presencePalette)],
		stream:        make(chan Frame, streamBufferSize),
		abort:         cfg.Abort,
	}
	r.nextColor++
	r.sessions[connectionID] = sess
	r.joined[connectionID] = make(map[string]struct{})
	return sess, nil
}

// Unregister removes a session from the registry and from every room it
// joined, returning the identifiers of those rooms so the caller can
// broadcast the departure.
func (r *Registry) Unregister(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomIDs := make([]string, 0, len(r.joined[connectionID]))
	for roomID := range r.joined[connectionID] {
		roomIDs = append(roomIDs, roomID)
		r.removeFromRoom(connectionID, roomID)
	}
	delete(r.joined, connectionID)
	delete(r.sessions, connectionID)
	return roomIDs
}

// Join subscribes a session to a room. Joining a room twice is a no-op; the
// returned bool reports whether the session was newly added, so callers do
// not announce the same arrival twice.
func (r *Registry) Join(connectionID, roomID string) (bool, error) {
	if strings.TrimSpace(roomID) == "" {
		return false, ErrInvalidRoomID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, connectionID)
	}
	if _, already := r.joined[connectionID][roomID]; already {
		return false, nil
	}
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]*Session)
	}
	r.rooms[roomID][connectionID] = sess
	r.joined[connectionID][roomID] = struct{}{}
	return true, nil
}

// Leave removes a session from one room; reports whether it was a member.
func (r *Registry) Leave(connectionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID][connectionID]; !ok {
		return false
	}
	r.removeFromRoom(connectionID, roomID)
	delete(r.joined[connectionID], roomID)
	return true
}

// Joined reports whether the session is currently a member of the room.
func (r *Registry) Joined(connectionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID][connectionID]
	return ok
}

// Members returns the sessions currently subscribed to a room.
func (r *Registry) Members(roomID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]*Session, 0, len(r.rooms[roomID]))
	for _, sess := range r.rooms[roomID] {
		members = append(members, sess)
	}
	return members
}

// Broadcast delivers a frame to every room member except the originating
// connection. Returns the number of sessions the frame was enqueued for.
func (r *Registry) Broadcast(roomID, exceptConnectionID string, frame Frame) int {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.rooms[roomID]))
	for connectionID, sess := range r.rooms[roomID] {
		if connectionID == exceptConnectionID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sess := range targets {
		if sess.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// removeFromRoom must be called with the registry lock held.
func (r *Registry) removeFromRoom(connectionID, roomID string) {
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
