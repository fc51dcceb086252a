/*
Package voip implements a small group voice and text relay.

The relay has two halves that share state:

# Control plane

A TCP listener (optionally TLS) accepts long-lived control connections. Each
connection is served by its own goroutine which reads up to 8192 bytes at a
time and treats the bytes before the first NUL as one frame. Frames starting
with '{' are JSON control commands:

  - establish: register the session for a client id
  - voice connect / voice disconnect: grant or revoke voice relay
  - text message: relay a chat line to every session

Server to client frames are a 10 digit zero padded byte length followed by a
JSON body. Every other frame is handled by an IRC subset (NICK, USER, PING,
JOIN, PART, PRIVMSG, TOPIC, LIST, ISON, QUIT, DUMP) so plain IRC clients can
share the same chat rooms.

After every visible change the server pushes full roster snapshots
(update_chat_users, update_voice_users) to all JSON sessions.

# Voice plane

A UDP socket receives datagrams of the form

	[4 byte little endian client id][opaque audio payload]

Datagrams from ids that are not voice authorized are dropped silently.
Authorized datagrams are forwarded unmodified to every other authorized
participant whose endpoint has been learned from its own traffic.

# Usage

	voice := voip.NewVoiceServer()
	control := voip.NewControlServer(voip.ControlConfig{ServerName: "voip.example.com"})
	control.AttachVoiceAuthority(voice)
	voice.AttachControlAuthority(control)

	if err := voice.Start("0.0.0.0", 50038); err != nil {
		log.Fatal(err)
	}
	if err := control.Start("0.0.0.0", 50039, nil); err != nil {
		log.Fatal(err)
	}
*/
package voip

import "github.com/sirupsen/logrus"

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by the package.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}
