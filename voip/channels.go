package voip

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

var channelNamePattern = regexp.MustCompile(`^#[A-Za-z0-9_]+$`)

// NormalizeChannelName trims raw and forces exactly one leading '#'.
func NormalizeChannelName(raw string) (string, error) {
	name := "#" + strings.TrimLeft(strings.TrimSpace(raw), "#")
	if !channelNamePattern.MatchString(name) {
		return name, ErrInvalidChannelName
	}
	return name, nil
}

func foldChannel(name string) string {
	return strings.ToLower(name)
}

// IsChannelTarget reports whether a message target names a channel.
func IsChannelTarget(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "$")
}

// Channel is a named chat room. It is only touched with the owning
// registry's lock held.
type Channel struct {
	name    string
	topic   string
	topicBy string
	members map[*Session]uint64 // session -> join sequence
}

// ChannelView is a consistent copy of a channel taken under the registry lock.
type ChannelView struct {
	Name    string
	Topic   string
	TopicBy string
	Members []*Session // join order
}

// ChannelInfo summarizes a channel for listings.
type ChannelInfo struct {
	Name    string `json:"name"`
	Topic   string `json:"topic,omitempty"`
	TopicBy string `json:"topic_by,omitempty"`
	Members int    `json:"members"`
}

// ChannelRegistry owns every channel together with the reverse index from
// session to joined channels. Both sides change under one lock so membership
// is never seen half applied. Names are matched case insensitively; a
// channel keeps the spelling it was created with.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel             // folded name -> channel
	joined   map[*Session]map[string]struct{} // session -> folded names
	seq      uint64
}

// NewChannelRegistry returns an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*Channel),
		joined:   make(map[*Session]map[string]struct{}),
	}
}

func (r *ChannelRegistry) viewLocked(ch *Channel) ChannelView {
	members := make([]*Session, 0, len(ch.members))
	for s := range ch.members {
		members = append(members, s)
	}
	sort.Slice(members, func(i, j int) bool {
		return ch.members[members[i]] < ch.members[members[j]]
	})

	return ChannelView{
		Name:    ch.name,
		Topic:   ch.topic,
		TopicBy: ch.topicBy,
		Members: members,
	}
}

// Join adds s to the channel, creating the channel if needed, and returns the
// channel as it looks after the join.
func (r *ChannelRegistry) Join(s *Session, name string) (ChannelView, error) {
	if !channelNamePattern.MatchString(name) {
		return ChannelView{}, ErrInvalidChannelName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := foldChannel(name)
	ch, exists := r.channels[key]
	if !exists {
		ch = &Channel{
			name:    name,
			members: make(map[*Session]uint64),
		}
		r.channels[key] = ch
	}

	if _, member := ch.members[s]; member {
		return r.viewLocked(ch), ErrAlreadyOnChannel
	}

	r.seq++
	ch.members[s] = r.seq
	if r.joined[s] == nil {
		r.joined[s] = make(map[string]struct{})
	}
	r.joined[s][key] = struct{}{}

	return r.viewLocked(ch), nil
}

// Part removes s from the channel and returns the channel as it looked
// before the part, so the parting session is still listed. Empty channels
// are kept.
func (r *ChannelRegistry) Part(s *Session, name string) (ChannelView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[foldChannel(name)]
	if !exists {
		return ChannelView{}, ErrNoSuchChannel
	}
	if _, member := ch.members[s]; !member {
		return ChannelView{}, ErrNotOnChannel
	}

	view := r.viewLocked(ch)
	r.removeLocked(s, ch)
	return view, nil
}

// PartAll removes s from every channel it joined and returns each channel as
// it looked before removal.
func (r *ChannelRegistry) PartAll(s *Session) []ChannelView {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.joined[s]))
	for name := range r.joined[s] {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]ChannelView, 0, len(names))
	for _, name := range names {
		ch, exists := r.channels[name]
		if !exists {
			continue
		}
		views = append(views, r.viewLocked(ch))
		r.removeLocked(s, ch)
	}
	delete(r.joined, s)
	return views
}

func (r *ChannelRegistry) removeLocked(s *Session, ch *Channel) {
	delete(ch.members, s)
	if set, ok := r.joined[s]; ok {
		delete(set, foldChannel(ch.name))
		if len(set) == 0 {
			delete(r.joined, s)
		}
	}
}

// View returns a snapshot of one channel.
func (r *ChannelRegistry) View(name string) (ChannelView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, exists := r.channels[foldChannel(name)]
	if !exists {
		return ChannelView{}, false
	}
	return r.viewLocked(ch), true
}

// IsMember reports whether s has joined the channel.
func (r *ChannelRegistry) IsMember(s *Session, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, member := r.joined[s][foldChannel(name)]
	return member
}

// ChannelsOf returns the sorted names of the channels s has joined.
func (r *ChannelRegistry) ChannelsOf(s *Session) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.joined[s]))
	for key := range r.joined[s] {
		names = append(names, r.channels[key].name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Peers returns every other session sharing at least one channel with s.
func (r *ChannelRegistry) Peers(s *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Session]uint64)
	for key := range r.joined[s] {
		ch := r.channels[key]
		for member, seq := range ch.members {
			if member == s {
				continue
			}
			if prev, ok := seen[member]; !ok || seq < prev {
				seen[member] = seq
			}
		}
	}

	peers := make([]*Session, 0, len(seen))
	for member := range seen {
		peers = append(peers, member)
	}
	sort.Slice(peers, func(i, j int) bool { return seen[peers[i]] < seen[peers[j]] })
	return peers
}

// SetTopic changes the topic of a channel s is a member of.
func (r *ChannelRegistry) SetTopic(s *Session, name, topic, by string) (ChannelView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[foldChannel(name)]
	if !exists {
		return ChannelView{}, ErrNoSuchChannel
	}
	if _, member := ch.members[s]; !member {
		return ChannelView{}, ErrNotOnChannel
	}

	ch.topic = topic
	ch.topicBy = by
	return r.viewLocked(ch), nil
}

// List summarizes every channel sorted by name.
func (r *ChannelRegistry) List() []ChannelInfo {
	r.mu.RLock()
	infos := make([]ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		infos = append(infos, ChannelInfo{
			Name:    ch.name,
			Topic:   ch.topic,
			TopicBy: ch.topicBy,
			Members: len(ch.members),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}
