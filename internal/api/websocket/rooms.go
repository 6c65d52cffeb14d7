package websocket

import (
	"sync"
)

// roomIndex tracks which connections belong to which collaboration session
type roomIndex struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Connection // session ID -> connection ID -> connection
}

func newRoomIndex() *roomIndex {
	return &roomIndex{sessions: make(map[string]map[string]*Connection)}
}

func (ri *roomIndex) add(conn *Connection) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	room, ok := ri.sessions[conn.SessionID]
	if !ok {
		room = make(map[string]*Connection)
		ri.sessions[conn.SessionID] = room
	}
	room[conn.ID] = conn
}

func (ri *roomIndex) remove(conn *Connection) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if room, ok := ri.sessions[conn.SessionID]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(ri.sessions, conn.SessionID)
		}
	}
}

func (ri *roomIndex) connections(sessionID string) []*Connection {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	room := ri.sessions[sessionID]
	out := make([]*Connection, 0, len(room))
	for _, conn := range room {
		out = append(out, conn)
	}
	return out
}
