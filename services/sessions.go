package services

import "sync"

// Binding is what a socket is attached to once it joined a room.
type Binding struct {
	Pin           string
	ParticipantID string
}

// SessionManager routes sockets of this process to rooms and participants so
// inbound events never have to re-resolve identity.
type SessionManager struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	rooms    map[string]map[string]*Client
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		bindings: make(map[string]Binding),
		rooms:    make(map[string]map[string]*Client),
	}
}

// Bind attaches the client to a room participant, replacing any earlier
// binding of the same client.
func (m *SessionManager) Bind(c *Client, pin, participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unbindLocked(c.id)
	m.bindings[c.id] = Binding{Pin: pin, ParticipantID: participantID}
	room, ok := m.rooms[pin]
	if !ok {
		room = make(map[string]*Client)
		m.rooms[pin] = room
	}
	room[c.id] = c
}

func (m *SessionManager) Lookup(socketID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[socketID]
	return b, ok
}

func (m *SessionManager) Unbind(socketID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unbindLocked(socketID)
}

func (m *SessionManager) unbindLocked(socketID string) (Binding, bool) {
	b, ok := m.bindings[socketID]
	if !ok {
		return Binding{}, false
	}
	delete(m.bindings, socketID)
	if room, ok := m.rooms[b.Pin]; ok {
		delete(room, socketID)
		if len(room) == 0 {
			delete(m.rooms, b.Pin)
		}
	}
	return b, true
}

// Clients returns the local sockets bound to a room.
func (m *SessionManager) Clients(pin string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*Client, 0, len(m.rooms[pin]))
	for _, c := range m.rooms[pin] {
		clients = append(clients, c)
	}
	return clients
}

// ParticipantClients returns the local sockets of one participant.
func (m *SessionManager) ParticipantClients(pin, participantID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var clients []*Client
	for id, c := range m.rooms[pin] {
		if m.bindings[id].ParticipantID == participantID {
			clients = append(clients, c)
		}
	}
	return clients
}

// Count is the number of bound sockets on this process.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}
