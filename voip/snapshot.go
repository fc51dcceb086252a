package voip

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SessionInfo describes one registered session.
type SessionInfo struct {
	ClientID uint32   `json:"client_id"`
	Conn     string   `json:"conn"`
	Remote   string   `json:"remote"`
	Protocol string   `json:"protocol"`
	Nick     string   `json:"nick,omitempty"`
	Username string   `json:"username,omitempty"`
	Realname string   `json:"realname,omitempty"`
	Channels []string `json:"channels"`
}

// ParticipantInfo describes one voice participant.
type ParticipantInfo struct {
	ClientID uint32 `json:"client_id"`
	Endpoint string `json:"endpoint"`
}

// VoiceInfo is the voice side of a Snapshot.
type VoiceInfo struct {
	Authorized   []uint32          `json:"authorized"`
	Participants []ParticipantInfo `json:"participants"`
}

// Snapshot is a point in time copy of the relay state. Each part is copied
// under its own registry lock, so parts may be a moment apart.
type Snapshot struct {
	ServerName string        `json:"server_name"`
	Uptime     string        `json:"uptime"`
	Sessions   []SessionInfo `json:"sessions"`
	Nicks      []string      `json:"nicks"`
	Channels   []ChannelInfo `json:"channels"`
	Voice      VoiceInfo     `json:"voice"`
}

// Snapshot copies out the current sessions, channels and voice state.
func (s *ControlServer) Snapshot() Snapshot {
	snap := Snapshot{
		ServerName: s.cfg.ServerName,
		Uptime:     time.Since(s.created).Truncate(time.Second).String(),
		Nicks:      s.sessions.Nicks(),
		Channels:   s.channels.List(),
	}

	registered := s.sessions.Sessions()
	snap.Sessions = make([]SessionInfo, 0, len(registered))
	for _, sess := range registered {
		id, _ := sess.ClientID()
		snap.Sessions = append(snap.Sessions, SessionInfo{
			ClientID: id,
			Conn:     sess.ID.String(),
			Remote:   sess.RemoteAddr(),
			Protocol: sess.Protocol().String(),
			Nick:     sess.Nick(),
			Username: sess.Username(),
			Realname: sess.Realname(),
			Channels: s.channels.ChannelsOf(sess),
		})
	}

	voice := s.voiceAuthority()
	snap.Voice.Authorized = voice.Authorization().IDs()
	participants := voice.Participants()
	snap.Voice.Participants = make([]ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		info := ParticipantInfo{ClientID: p.ClientID}
		if p.Endpoint != nil {
			info.Endpoint = p.Endpoint.String()
		}
		snap.Voice.Participants = append(snap.Voice.Participants, info)
	}

	return snap
}

// dump writes the snapshot to the log.
func (s *ControlServer) dump(requester *Session) {
	snap := s.Snapshot()

	log := logger.WithField("requested_by", requester.ID.String())
	log.WithFields(logrus.Fields{
		"sessions": len(snap.Sessions),
		"nicks":    snap.Nicks,
		"channels": len(snap.Channels),
		"voice":    snap.Voice.Authorized,
		"uptime":   snap.Uptime,
	}).Info("state dump")

	for _, info := range snap.Sessions {
		log.WithFields(logrus.Fields{
			"client_id": info.ClientID,
			"conn":      info.Conn,
			"remote":    info.Remote,
			"protocol":  info.Protocol,
			"nick":      info.Nick,
			"channels":  info.Channels,
		}).Info("dump session")
	}
	for _, ch := range snap.Channels {
		log.WithFields(logrus.Fields{
			"channel": ch.Name,
			"topic":   ch.Topic,
			"members": ch.Members,
		}).Info("dump channel")
	}
	for _, p := range snap.Voice.Participants {
		log.WithFields(logrus.Fields{
			"client_id": p.ClientID,
			"endpoint":  p.Endpoint,
		}).Info("dump voice participant")
	}
}
