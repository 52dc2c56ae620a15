package bridge

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// Agent is a board automation projected into chat.
type Agent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	UserID      id.UserID `json:"user_id"`
}

// registered is an agent plus its compiled mention patterns.
type registered struct {
	Agent
	mentions []*regexp.Regexp
}

// State holds everything the bridge knows about agents, identities and rooms.
// mu guards map access only; it is never held across homeserver or agent
// calls and does not order handlers against each other.
type State struct {
	mu sync.RWMutex

	agents       map[string]*registered // by agent ID
	byUser       map[id.UserID]*registered
	created      map[id.UserID]struct{}
	joinedShared map[id.UserID]struct{}
	dmRooms      map[id.RoomID]string // room -> agent ID
	sharedRoom   id.RoomID

	lastSync      time.Time
	lastSyncError string
}

func newState() *State {
	return &State{
		agents:       make(map[string]*registered),
		byUser:       make(map[id.UserID]*registered),
		created:      make(map[id.UserID]struct{}),
		joinedShared: make(map[id.UserID]struct{}),
		dmRooms:      make(map[id.RoomID]string),
	}
}

func (s *State) replaceAgents(agents []*registered) {
	byID := make(map[string]*registered, len(agents))
	byUser := make(map[id.UserID]*registered, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		byUser[a.UserID] = a
	}
	s.mu.Lock()
	s.agents = byID
	s.byUser = byUser
	s.mu.Unlock()
}

func (s *State) agent(agentID string) (*registered, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	return a, ok
}

func (s *State) agentByUser(user id.UserID) (*registered, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byUser[user]
	return a, ok
}

// sortedAgents returns the registry in stable ID order.
func (s *State) sortedAgents() []*registered {
	s.mu.RLock()
	out := make([]*registered, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *State) isCreated(user id.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.created[user]
	return ok
}

func (s *State) markCreated(user id.UserID) {
	s.mu.Lock()
	s.created[user] = struct{}{}
	s.mu.Unlock()
}

func (s *State) isJoinedShared(user id.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joinedShared[user]
	return ok
}

func (s *State) markJoinedShared(user id.UserID) {
	s.mu.Lock()
	s.joinedShared[user] = struct{}{}
	s.mu.Unlock()
}

func (s *State) dmAgent(room id.RoomID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agentID, ok := s.dmRooms[room]
	return agentID, ok
}

func (s *State) setDM(room id.RoomID, agentID string) {
	s.mu.Lock()
	s.dmRooms[room] = agentID
	s.mu.Unlock()
}

func (s *State) getSharedRoom() id.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharedRoom
}

func (s *State) setSharedRoom(room id.RoomID) {
	s.mu.Lock()
	s.sharedRoom = room
	s.mu.Unlock()
}

func (s *State) recordSync(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = time.Now()
	s.lastSyncError = ""
	if err != nil {
		s.lastSyncError = err.Error()
	}
}

// purge forgets an identity everywhere, including DM rooms owned by agentID
// (compared case-insensitively, as identities are lowercased).
func (s *State) purge(agentID string, user id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byUser[user]; ok {
		if agentID == "" {
			agentID = a.ID
		}
		delete(s.agents, a.ID)
		delete(s.byUser, user)
	}
	delete(s.agents, agentID)
	delete(s.created, user)
	delete(s.joinedShared, user)
	if agentID == "" {
		return
	}
	for room, owner := range s.dmRooms {
		if strings.EqualFold(owner, agentID) {
			delete(s.dmRooms, room)
		}
	}
}

// Status is a point-in-time summary of the bridge.
type Status struct {
	Agents        int       `json:"agents"`
	Identities    int       `json:"identities"`
	SharedRoom    id.RoomID `json:"shared_room,omitempty"`
	SharedMembers int       `json:"shared_room_members"`
	DMRooms       int       `json:"dm_rooms"`
	InFlight      int64     `json:"in_flight_tasks"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	LastSyncError string    `json:"last_sync_error,omitempty"`
}

func (s *State) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Agents:        len(s.agents),
		Identities:    len(s.created),
		SharedRoom:    s.sharedRoom,
		SharedMembers: len(s.joinedShared),
		DMRooms:       len(s.dmRooms),
		LastSync:      s.lastSync,
		LastSyncError: s.lastSyncError,
	}
}
