package voip

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultServerName   = "pandavoip.local"
	DefaultWriteTimeout = 5 * time.Second
)

// JSON control commands.
const (
	CommandEstablish       = "establish"
	CommandVoiceConnect    = "voice connect"
	CommandVoiceDisconnect = "voice disconnect"
	CommandTextMessage     = "text message"

	CommandAck        = "ack"
	CommandNack       = "nack"
	CommandNewMessage = "new_message"
)

// Nack messages.
const (
	NackInvalidJSON      = "invalid json"
	NackInvalidRequest   = "invalid request"
	NackClientIDInUse    = "client_id in use"
	NackClientIDMismatch = "client_id mismatch"
	NackMissingMessage   = "missing message"
)

// VoiceAuthority is the voice side as seen from the control server.
type VoiceAuthority interface {
	Authorization() *VoiceAuthorizationSet
	Participants() []VoiceParticipant
}

// ControlAuthority is the control side as seen from the voice server.
type ControlAuthority interface {
	HasSession(clientID uint32) bool
}

// detachedVoice stands in until a voice server is attached.
type detachedVoice struct {
	auth *VoiceAuthorizationSet
}

func (d detachedVoice) Authorization() *VoiceAuthorizationSet { return d.auth }
func (d detachedVoice) Participants() []VoiceParticipant      { return nil }

// ControlConfig configures a ControlServer. Zero fields take defaults.
type ControlConfig struct {
	ServerName   string
	WriteTimeout time.Duration
}

// ControlOption customizes a ControlServer.
type ControlOption func(*ControlServer)

// WithControlMetrics records control plane metrics into m.
func WithControlMetrics(m *Metrics) ControlOption {
	return func(s *ControlServer) {
		s.metrics = m
	}
}

// ControlServer accepts control connections and owns the session and
// channel registries.
type ControlServer struct {
	cfg      ControlConfig
	sessions *SessionRegistry
	channels *ChannelRegistry
	events   *EventRegistry
	presence *PresenceBroadcaster
	metrics  *Metrics
	created  time.Time

	mu       sync.RWMutex
	voice    VoiceAuthority
	listener net.Listener
	conns    map[*Session]struct{}
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewControlServer creates a control server. Presence broadcasts and the
// session gauges are registered as event hooks.
func NewControlServer(cfg ControlConfig, opts ...ControlOption) *ControlServer {
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &ControlServer{
		cfg:      cfg,
		sessions: NewSessionRegistry(),
		channels: NewChannelRegistry(),
		events:   NewEventRegistry(),
		created:  time.Now(),
		voice:    detachedVoice{auth: NewVoiceAuthorizationSet()},
		conns:    make(map[*Session]struct{}),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	s.presence = NewPresenceBroadcaster(s.sessions, s.voiceAuthorization, s.metrics)
	s.events.Register("metrics", s.updateGauges, -10)
	s.events.Register("presence", s.presence.Hook, 0)
	return s
}

func (s *ControlServer) updateGauges(_ *Event) error {
	s.metrics.Sessions.Set(float64(s.sessions.Len()))
	s.metrics.VoiceAuthorized.Set(float64(s.voiceAuthorization().Len()))
	return nil
}

// AttachVoiceAuthority makes v the source of voice authorization.
func (s *ControlServer) AttachVoiceAuthority(v VoiceAuthority) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.voice = v
}

func (s *ControlServer) voiceAuthority() VoiceAuthority {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.voice
}

func (s *ControlServer) voiceAuthorization() *VoiceAuthorizationSet {
	return s.voiceAuthority().Authorization()
}

// HasSession reports whether a live session is registered for clientID.
func (s *ControlServer) HasSession(clientID uint32) bool {
	_, ok := s.sessions.Lookup(clientID)
	return ok
}

func (s *ControlServer) Sessions() *SessionRegistry { return s.sessions }
func (s *ControlServer) Channels() *ChannelRegistry { return s.channels }
func (s *ControlServer) Events() *EventRegistry { return s.events }

// Start listens on host:port and serves control connections in the
// background. A non-nil tlsFiles with a certificate or AutoGenerate makes
// the listener TLS only.
func (s *ControlServer) Start(host string, port int, tlsFiles *TLSFiles) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("control server already started")
	}

	var tlsConfig *tls.Config
	if tlsFiles.Enabled() {
		var err error
		if tlsConfig, err = loadTLSConfig(tlsFiles, s.cfg.ServerName, host); err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start control listener: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	s.listener = listener

	logger.WithFields(logrus.Fields{
		"addr":  listener.Addr().String(),
		"tls":   tlsConfig != nil,
		"hooks": s.events.Count(),
	}).Info("control server started")

	s.wg.Add(1)
	go s.acceptConnections(listener)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *ControlServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection and waits for all
// connection loops to finish.
func (s *ControlServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			if cerr := s.listener.Close(); cerr != nil {
				err = fmt.Errorf("error closing control listener: %w", cerr)
			}
		}
		live := make([]*Session, 0, len(s.conns))
		for sess := range s.conns {
			live = append(live, sess)
		}
		s.mu.Unlock()

		for _, sess := range live {
			sess.conn.Close()
		}
		s.wg.Wait()
		logger.Info("control server stopped")
	})
	return err
}

func (s *ControlServer) acceptConnections(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("error accepting control connection: %v", err)
			continue
		}

		sess := newSession(s, conn)

		s.mu.Lock()
		select {
		case <-s.shutdown:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[sess] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.ControlConnections.Inc()
		go func() {
			defer s.wg.Done()
			sess.serve()
		}()
	}
}

func (s *ControlServer) forget(sess *Session) {
	s.mu.Lock()
	_, tracked := s.conns[sess]
	delete(s.conns, sess)
	s.mu.Unlock()

	if tracked {
		s.metrics.ControlConnections.Dec()
	}
}

// handleJSON interprets one JSON control frame from sess.
func (s *ControlServer) handleJSON(sess *Session, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		// well formed json with a field of the wrong type
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			sess.logEntry().Debugf("invalid request: %v", err)
			sess.sendReply(CommandNack, NackInvalidRequest)
			return
		}
		sess.logEntry().Debugf("invalid json: %v", err)
		sess.sendReply(CommandNack, NackInvalidJSON)
		return
	}
	if req.ClientID == nil || req.Command == nil || *req.ClientID < 0 || *req.ClientID > math.MaxUint32 {
		sess.sendReply(CommandNack, NackInvalidRequest)
		return
	}

	id := uint32(*req.ClientID)
	command := *req.Command

	if current, ok := sess.ClientID(); ok && current != id {
		sess.sendReply(CommandNack, NackClientIDMismatch)
		return
	}
	if err := s.sessions.Register(sess, id); err != nil {
		if errors.Is(err, ErrClientIDInUse) {
			sess.sendReply(CommandNack, NackClientIDInUse)
			return
		}
		sess.sendReply(CommandNack, NackInvalidRequest)
		return
	}

	log := sess.logEntry().WithField("command", command)
	switch command {
	case CommandEstablish:
		log.Info("session established")
		sess.sendReply(CommandAck, command)
		s.events.Emit(&Event{Kind: EventEstablished, ClientID: id, Session: sess})

	case CommandVoiceConnect:
		s.voiceAuthorization().Add(id)
		log.Info("voice authorized")
		sess.sendReply(CommandAck, command)
		s.events.Emit(&Event{Kind: EventVoiceAuthorized, ClientID: id, Session: sess})

	case CommandVoiceDisconnect:
		s.voiceAuthorization().Remove(id)
		log.Info("voice revoked")
		sess.sendReply(CommandAck, command)
		s.events.Emit(&Event{Kind: EventVoiceRevoked, ClientID: id, Session: sess})

	case CommandTextMessage:
		if req.Message == nil {
			sess.sendReply(CommandNack, NackMissingMessage)
			return
		}
		s.presence.fanOut(ChatMessage{
			Command: CommandNewMessage,
			Message: ChatPayload{
				SenderID: strconv.FormatUint(uint64(id), 10),
				Text:     *req.Message,
			},
		})

	default:
		log.Warn("unknown control command")
	}
}
