package voip

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// MaxGeneratedClientID bounds ids handed out to text protocol sessions.
const MaxGeneratedClientID = 1000000

// SessionRegistry is the authoritative table of registered control sessions
// and of claimed nicknames. A session may hold a nick before it is
// registered under a client id.
type SessionRegistry struct {
	mu    sync.RWMutex
	byID  map[uint32]*Session
	nicks map[string]*Session // folded nick -> session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:  make(map[uint32]*Session),
		nicks: make(map[string]*Session),
	}
}

func foldNick(nick string) string {
	return strings.ToLower(nick)
}

// Register binds s to id. Registering the same pair twice is a no-op.
func (r *SessionRegistry) Register(s *Session, id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.registerLocked(s, id)
}

func (r *SessionRegistry) registerLocked(s *Session, id uint32) error {
	if holder, exists := r.byID[id]; exists {
		if holder == s {
			return nil
		}
		return ErrClientIDInUse
	}
	if current, ok := s.ClientID(); ok {
		if current != id {
			return ErrAlreadyRegistered
		}
	}

	r.byID[id] = s
	s.setClientID(id)
	return nil
}

// RegisterRandom binds s to a free id in [1, MaxGeneratedClientID].
func (r *SessionRegistry) RegisterRandom(s *Session) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := s.ClientID(); ok {
		return 0, ErrAlreadyRegistered
	}

	for i := 0; i < 32; i++ {
		id := uint32(rand.Intn(MaxGeneratedClientID)) + 1
		if _, taken := r.byID[id]; !taken {
			return id, r.registerLocked(s, id)
		}
	}

	// dense table, fall back to a scan
	for id := uint32(1); id <= MaxGeneratedClientID; id++ {
		if _, taken := r.byID[id]; !taken {
			return id, r.registerLocked(s, id)
		}
	}
	return 0, ErrIDSpaceExhausted
}

// Lookup returns the session registered under id.
func (r *SessionRegistry) Lookup(id uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	return s, ok
}

// Remove drops s from the id table and releases its nick. It reports
// whether s had been registered under a client id.
func (r *SessionRegistry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if id, ok := s.ClientID(); ok && r.byID[id] == s {
		delete(r.byID, id)
		removed = true
	}
	if nick := s.Nick(); nick != "" && r.nicks[foldNick(nick)] == s {
		delete(r.nicks, foldNick(nick))
	}
	return removed
}

// ClaimNick gives nick to s and returns the nick s held before. Claiming a
// nick held by another session fails with ErrNickInUse and changes nothing.
func (r *SessionRegistry) ClaimNick(s *Session, nick string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := s.Nick()
	if holder, exists := r.nicks[foldNick(nick)]; exists && holder != s {
		return old, ErrNickInUse
	}

	if old != "" && r.nicks[foldNick(old)] == s {
		delete(r.nicks, foldNick(old))
	}
	r.nicks[foldNick(nick)] = s
	s.setNick(nick)
	return old, nil
}

// LookupNick returns the session holding nick.
func (r *SessionRegistry) LookupNick(nick string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.nicks[foldNick(nick)]
	return s, ok
}

// IDs returns every registered client id in ascending order.
func (r *SessionRegistry) IDs() []uint32 {
	r.mu.RLock()
	ids := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Sessions returns a snapshot of the registered sessions ordered by client id.
func (r *SessionRegistry) Sessions() []*Session {
	r.mu.RLock()
	ids := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, r.byID[id])
	}
	r.mu.RUnlock()

	return sessions
}

// Nicks returns the claimed nicknames sorted.
func (r *SessionRegistry) Nicks() []string {
	r.mu.RLock()
	holders := make([]*Session, 0, len(r.nicks))
	for _, s := range r.nicks {
		holders = append(holders, s)
	}
	r.mu.RUnlock()

	nicks := make([]string, 0, len(holders))
	for _, s := range holders {
		nicks = append(nicks, s.Nick())
	}
	sort.Strings(nicks)
	return nicks
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}
