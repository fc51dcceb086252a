package voip

import "sync"

const (
	RosterChat  = "update_chat_users"
	RosterVoice = "update_voice_users"
)

// PresenceBroadcaster pushes full roster snapshots to every registered JSON
// session. Text sessions never receive rosters.
//
// Snapshots are taken and delivered under one mutex, so every session sees
// rosters in the order they were taken and the last one it gets is current.
type PresenceBroadcaster struct {
	sessions *SessionRegistry
	voice    func() *VoiceAuthorizationSet
	metrics  *Metrics

	mu sync.Mutex
}

// NewPresenceBroadcaster returns a broadcaster reading sessions and the voice
// authorization set returned by voice at broadcast time.
func NewPresenceBroadcaster(sessions *SessionRegistry, voice func() *VoiceAuthorizationSet, metrics *Metrics) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		sessions: sessions,
		voice:    voice,
		metrics:  metrics,
	}
}

// ChatRoster returns the registered client ids in wire form.
func (p *PresenceBroadcaster) ChatRoster() []string {
	return padIDs(p.sessions.IDs())
}

// VoiceRoster returns the voice authorized client ids in wire form.
func (p *PresenceBroadcaster) VoiceRoster() []string {
	return padIDs(p.voice().IDs())
}

func padIDs(ids []uint32) []string {
	users := make([]string, 0, len(ids))
	for _, id := range ids {
		users = append(users, PadClientID(id))
	}
	return users
}

// BroadcastChat sends update_chat_users.
func (p *PresenceBroadcaster) BroadcastChat() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.broadcastLocked(RosterUpdate{Command: RosterChat, Users: p.ChatRoster()})
}

// BroadcastVoice sends update_voice_users.
func (p *PresenceBroadcaster) BroadcastVoice() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.broadcastLocked(RosterUpdate{Command: RosterVoice, Users: p.VoiceRoster()})
}

func (p *PresenceBroadcaster) broadcastLocked(update RosterUpdate) {
	p.metrics.Broadcasts.WithLabelValues(update.Command).Inc()
	p.deliverLocked(update)
}

// fanOut sends v to every registered JSON session, ordered with the rosters.
func (p *PresenceBroadcaster) fanOut(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deliverLocked(v)
}

// deliverLocked encodes v once and writes it to every registered JSON
// session. Writes carry the session deadline, which bounds the hold time.
func (p *PresenceBroadcaster) deliverLocked(v any) {
	frame, err := EncodeFrame(v)
	if err != nil {
		logger.Errorf("failed to encode broadcast: %v", err)
		return
	}

	for _, s := range p.sessions.Sessions() {
		if s.Protocol() != ProtocolJSON {
			continue
		}
		s.write(frame)
	}
}

// Hook maps state change events to roster broadcasts.
func (p *PresenceBroadcaster) Hook(ev *Event) error {
	switch ev.Kind {
	case EventEstablished, EventSessionClosed:
		p.BroadcastChat()
		p.BroadcastVoice()
	case EventSessionRegistered:
		p.BroadcastChat()
	case EventVoiceAuthorized, EventVoiceRevoked:
		p.BroadcastVoice()
	}
	return nil
}
