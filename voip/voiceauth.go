package voip

import (
	"sort"
	"sync"
)

// VoiceAuthorizationSet holds the client ids allowed to relay voice.
type VoiceAuthorizationSet struct {
	mu  sync.RWMutex
	ids map[uint32]struct{}
}

// NewVoiceAuthorizationSet returns an empty set.
func NewVoiceAuthorizationSet() *VoiceAuthorizationSet {
	return &VoiceAuthorizationSet{
		ids: make(map[uint32]struct{}),
	}
}

// Add authorizes id and reports whether it was newly added.
func (v *VoiceAuthorizationSet) Add(id uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.ids[id]; ok {
		return false
	}
	v.ids[id] = struct{}{}
	return true
}

// Remove revokes id and reports whether it had been authorized.
func (v *VoiceAuthorizationSet) Remove(id uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.ids[id]; !ok {
		return false
	}
	delete(v.ids, id)
	return true
}

func (v *VoiceAuthorizationSet) Contains(id uint32) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, ok := v.ids[id]
	return ok
}

// IDs returns the authorized ids in ascending order.
func (v *VoiceAuthorizationSet) IDs() []uint32 {
	v.mu.RLock()
	ids := make([]uint32, 0, len(v.ids))
	for id := range v.ids {
		ids = append(ids, id)
	}
	v.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (v *VoiceAuthorizationSet) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.ids)
}
