// Package presence tracks which users have live connections on this node and
// which conversation rooms those connections have joined.
package presence

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"chatcore/internal/protocol"
)

const shardCount = 64

var ErrNotRegistered = errors.New("connection not registered")

// Conn is a live client connection.
type Conn interface {
	ID() string
	UserID() string
	// Send queues out for writing, waiting briefly for buffer space. When it
	// returns false the callbacks of out will never run.
	Send(out protocol.Outbound) bool
	// TrySend queues f only if buffer space is available right now.
	TrySend(f protocol.Frame) bool
}

type connEntry struct {
	conn  Conn
	rooms map[string]struct{}
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*connEntry // userID -> connID -> entry
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // roomID -> connID -> conn
}

// Registry is the node-local presence index. Mutations for one user are
// serialized on that user's shard; lookups take read locks only.
//
// Lock order is user shard, then room shard.
type Registry struct {
	users [shardCount]*userShard
	rooms [shardCount]*roomShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.users[i] = &userShard{users: make(map[string]map[string]*connEntry)}
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]Conn)}
	}
	return r
}

func shardIndex(key string) int {
	sum := sha1.Sum([]byte(key))
	return int(binary.BigEndian.Uint32(sum[:4]) % shardCount)
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[shardIndex(userID)]
}

func (r *Registry) roomShard(roomID string) *roomShard {
	return r.rooms[shardIndex(roomID)]
}

// RegisterConnection records conn as live for userID. Registering the same
// connection twice keeps its joined rooms.
func (r *Registry) RegisterConnection(userID string, conn Conn) {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.users[userID]
	if conns == nil {
		conns = make(map[string]*connEntry)
		s.users[userID] = conns
	}
	if _, ok := conns[conn.ID()]; !ok {
		conns[conn.ID()] = &connEntry{conn: conn, rooms: make(map[string]struct{})}
	}
}

// JoinRoom adds conn to roomID. firstInRoom is true when no other connection
// of the same user was in the room before.
func (r *Registry) JoinRoom(conn Conn, roomID string) (firstInRoom bool, err error) {
	userID := conn.UserID()
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID][conn.ID()]
	if !ok {
		return false, ErrNotRegistered
	}
	if _, already := entry.rooms[roomID]; already {
		return false, nil
	}
	firstInRoom = !userInRoomLocked(s.users[userID], roomID)
	entry.rooms[roomID] = struct{}{}

	rs := r.roomShard(roomID)
	rs.mu.Lock()
	members := rs.rooms[roomID]
	if members == nil {
		members = make(map[string]Conn)
		rs.rooms[roomID] = members
	}
	members[conn.ID()] = conn
	rs.mu.Unlock()

	return firstInRoom, nil
}

// LeaveRoom removes conn from roomID. lastInRoom is true when the user has no
// connection left in the room.
func (r *Registry) LeaveRoom(conn Conn, roomID string) (lastInRoom bool) {
	userID := conn.UserID()
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID][conn.ID()]
	if !ok {
		return false
	}
	if _, in := entry.rooms[roomID]; !in {
		return false
	}
	delete(entry.rooms, roomID)
	r.dropFromRoom(roomID, conn.ID())
	return !userInRoomLocked(s.users[userID], roomID)
}

// RemoveConnection forgets conn and returns the rooms the user no longer has
// any connection in. Removing an unknown connection is a no-op.
func (r *Registry) RemoveConnection(conn Conn) []string {
	userID := conn.UserID()
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.users[userID]
	entry, ok := conns[conn.ID()]
	if !ok {
		return nil
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(s.users, userID)
	}

	var left []string
	for roomID := range entry.rooms {
		r.dropFromRoom(roomID, conn.ID())
		if !userInRoomLocked(conns, roomID) {
			left = append(left, roomID)
		}
	}
	sort.Strings(left)
	return left
}

func (r *Registry) dropFromRoom(roomID, connID string) {
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if members, ok := rs.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(rs.rooms, roomID)
		}
	}
}

func userInRoomLocked(conns map[string]*connEntry, roomID string) bool {
	for _, e := range conns {
		if _, ok := e.rooms[roomID]; ok {
			return true
		}
	}
	return false
}

// LookupLocalConnections returns every live connection of userID.
func (r *Registry) LookupLocalConnections(userID string) []Conn {
	s := r.userShard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, e := range conns {
		out = append(out, e.conn)
	}
	return out
}

// LocalConnectionsInRoom returns the connections of userID joined to roomID.
func (r *Registry) LocalConnectionsInRoom(userID, roomID string) []Conn {
	s := r.userShard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conn
	for _, e := range s.users[userID] {
		if _, ok := e.rooms[roomID]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// RoomConnections returns every local connection joined to roomID.
func (r *Registry) RoomConnections(roomID string) []Conn {
	rs := r.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members := rs.rooms[roomID]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// IsPresent reports whether userID has a local connection in roomID.
func (r *Registry) IsPresent(userID, roomID string) bool {
	s := r.userShard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userInRoomLocked(s.users[userID], roomID)
}

// Snapshot returns user -> joined rooms for every locally connected user.
// Users without rooms are included with an empty slice.
func (r *Registry) Snapshot() map[string][]string {
	out := make(map[string][]string)
	for _, s := range r.users {
		s.mu.RLock()
		for userID, conns := range s.users {
			set := make(map[string]struct{})
			for _, e := range conns {
				for room := range e.rooms {
					set[room] = struct{}{}
				}
			}
			rooms := make([]string, 0, len(set))
			for room := range set {
				rooms = append(rooms, room)
			}
			sort.Strings(rooms)
			out[userID] = rooms
		}
		s.mu.RUnlock()
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, s := range r.users {
		s.mu.RLock()
		for _, conns := range s.users {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}
