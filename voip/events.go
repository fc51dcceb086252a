package voip

import (
	"fmt"
	"sort"
	"sync"
)

// EventKind identifies an externally visible state change.
type EventKind int

const (
	EventEstablished EventKind = iota + 1
	EventSessionRegistered
	EventVoiceAuthorized
	EventVoiceRevoked
	EventSessionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventSessionRegistered:
		return "session_registered"
	case EventVoiceAuthorized:
		return "voice_authorized"
	case EventVoiceRevoked:
		return "voice_revoked"
	case EventSessionClosed:
		return "session_closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event describes one state change. Session may be nil.
type Event struct {
	Kind     EventKind
	ClientID uint32
	Session  *Session
}

// EventHook reacts to an event.
type EventHook func(ev *Event) error

type eventHookInfo struct {
	name     string
	hook     EventHook
	priority int64
	seq      int
}

// EventRegistry runs hooks after state changes. Hooks with lower priority
// run first; hooks with equal priority run in registration order.
type EventRegistry struct {
	mu    sync.RWMutex
	hooks []eventHookInfo
	seq   int
}

// NewEventRegistry returns an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		hooks: make([]eventHookInfo, 0),
	}
}

// Register adds a named hook.
func (r *EventRegistry) Register(name string, hook EventHook, priority int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.hooks = append(r.hooks, eventHookInfo{
		name:     name,
		hook:     hook,
		priority: priority,
		seq:      r.seq,
	})
}

// Emit runs every hook for ev and returns the failures keyed by hook name,
// or nil when all hooks succeeded. A panicking hook is reported as an error
// and does not stop the remaining hooks.
func (r *EventRegistry) Emit(ev *Event) map[string]error {
	r.mu.RLock()
	hooks := make([]eventHookInfo, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})

	var failed map[string]error
	for _, info := range hooks {
		if err := runEventHook(info, ev); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[info.name] = err
			logger.WithField("hook", info.name).WithField("event", ev.Kind.String()).Errorf("event hook failed: %v", err)
		}
	}
	return failed
}

func runEventHook(info eventHookInfo, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in hook %s: %v", info.name, r)
		}
	}()
	return info.hook(ev)
}

// Count returns the number of registered hooks.
func (r *EventRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.hooks)
}
