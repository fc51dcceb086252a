package voip

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Protocol is the wire dialect a control connection speaks. It is fixed by
// the class of the first non-empty frame.
type Protocol int32

const (
	ProtocolUnknown Protocol = iota
	ProtocolJSON
	ProtocolText
)

func (p Protocol) String() string {
	switch p {
	case ProtocolJSON:
		return "json"
	case ProtocolText:
		return "text"
	default:
		return "unknown"
	}
}

// Session is one control connection and the identity bound to it.
type Session struct {
	ID     uuid.UUID
	server *ControlServer
	conn   net.Conn
	remote string
	log    logrus.FieldLogger

	mu         sync.RWMutex
	clientID   uint32
	registered bool
	nick       string
	username   string
	realname   string
	protocol   Protocol

	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(server *ControlServer, conn net.Conn) *Session {
	id := uuid.New()
	remote := conn.RemoteAddr().String()
	return &Session{
		ID:     id,
		server: server,
		conn:   conn,
		remote: remote,
		log: logger.WithFields(logrus.Fields{
			"conn":   id.String(),
			"remote": remote,
		}),
		done: make(chan struct{}),
	}
}

// ClientID returns the bound client id and whether the session is registered.
func (s *Session) ClientID() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clientID, s.registered
}

func (s *Session) setClientID(id uint32) {
	s.mu.Lock()
	s.clientID = id
	s.registered = true
	s.log = s.log.WithField("client_id", id)
	s.mu.Unlock()
}

func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.registered
}

func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.nick
}

func (s *Session) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.username
}

func (s *Session) Realname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.realname
}

func (s *Session) setUser(username, realname string) {
	s.mu.Lock()
	s.username = username
	s.realname = realname
	s.mu.Unlock()
}

func (s *Session) Protocol() Protocol {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.protocol
}

func (s *Session) adoptProtocol(p Protocol) {
	s.mu.Lock()
	if s.protocol == ProtocolUnknown {
		s.protocol = p
	}
	s.mu.Unlock()
}

// RemoteAddr returns the peer address as seen at accept time.
func (s *Session) RemoteAddr() string {
	return s.remote
}

func (s *Session) logEntry() logrus.FieldLogger {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.log
}

// Ident is the nick!user@server prefix of user-originated text events.
func (s *Session) Ident() string {
	s.mu.RLock()
	nick, user := s.nick, s.username
	s.mu.RUnlock()

	if nick == "" {
		nick = "*"
	}
	if user == "" {
		user = nick
	}
	return FormatHostmask(nick, user, s.server.cfg.ServerName)
}

// write puts p on the wire under the session write lock. A failed write
// closes the connection so the read loop can tear the session down.
func (s *Session) write(p []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if timeout := s.server.cfg.WriteTimeout; timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := s.conn.Write(p); err != nil {
		s.logEntry().Debugf("write failed: %v", err)
		s.conn.Close()
		return err
	}
	return nil
}

func (s *Session) sendFrame(v any) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *Session) sendReply(command, message string) error {
	return s.sendFrame(Reply{Command: command, Message: message})
}

func (s *Session) sendRaw(line string) error {
	s.logEntry().Debugf("=> %s", line)
	return s.write([]byte(line + "\r\n"))
}

func (s *Session) sendNumeric(numeric int, message string) error {
	target := s.Nick()
	if target == "" {
		target = "*"
	}
	return s.sendRaw(fmt.Sprintf(":%s %03d %s %s", s.server.cfg.ServerName, numeric, target, message))
}

// serve runs the read loop until the connection fails or the session quits.
func (s *Session) serve() {
	reason := "EOF from client"
	defer func() {
		s.teardown(reason)
	}()

	s.logEntry().Info("control connection opened")

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.handleFrame(ClassifyFrame(buf[:n]))
		}
		if err != nil {
			switch {
			case s.closed():
			case errors.Is(err, io.EOF):
				s.logEntry().Info("client closed connection")
			default:
				reason = "Connection reset"
				s.logEntry().Infof("read failed: %v", err)
			}
			return
		}
		if s.closed() {
			return
		}
	}
}

func (s *Session) handleFrame(frame Frame) {
	if frame.Kind == FrameEmpty {
		return
	}
	s.server.metrics.ControlFrames.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case FrameJSON:
		s.adoptProtocol(ProtocolJSON)
		s.server.handleJSON(s, frame.Payload)
	case FrameText:
		s.adoptProtocol(ProtocolText)
		for _, line := range frame.Lines {
			if s.closed() {
				return
			}
			if msg := ParseMessage(line); msg != nil {
				s.handleText(msg)
			}
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// teardown removes every trace of the session and closes its connection.
// Only the first call has any effect.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		srv := s.server

		if peers := srv.channels.Peers(s); len(peers) > 0 {
			line := fmt.Sprintf(":%s QUIT :%s", s.Ident(), reason)
			for _, peer := range peers {
				peer.sendRaw(line)
			}
		}
		srv.channels.PartAll(s)

		id, registered := s.ClientID()
		srv.sessions.Remove(s)
		if registered {
			srv.voiceAuthorization().Remove(id)
			srv.events.Emit(&Event{Kind: EventSessionClosed, ClientID: id, Session: s})
		}

		s.conn.Close()
		srv.forget(s)
		s.logEntry().WithField("reason", reason).Info("control connection closed")
	})
}
