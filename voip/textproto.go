package voip

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	welcomeText = "Welcome to the Hug Hug Panda Club"
	motdText    = "Welcome to pandavoip. Feel free to join #general."
	quitDefault = "Client Quit"
	serverInfo  = "pandavoip"
)

// handleText dispatches one text protocol line.
func (s *Session) handleText(msg *Message) {
	s.logEntry().Debugf("<= %s", msg.String())

	switch msg.Command {
	case "NICK":
		s.handleNick(msg.Params)
	case "USER":
		s.handleUser(msg.Params)
	case "PING":
		s.handlePing(msg.Params)
	case "JOIN":
		s.handleJoin(msg.Params)
	case "PART":
		s.handlePart(msg.Params)
	case "PRIVMSG":
		s.handlePrivmsg(msg.Params)
	case "TOPIC":
		s.handleTopic(msg.Params)
	case "LIST":
		s.handleList()
	case "ISON":
		s.handleIson(msg.Params)
	case "QUIT":
		reason := quitDefault
		if len(msg.Params) > 0 && msg.Params[0] != "" {
			reason = msg.Params[0]
		}
		s.sendRaw(fmt.Sprintf(":%s QUIT :%s", s.Ident(), reason))
		s.teardown(reason)
	case "DUMP":
		s.server.dump(s)
	default:
		s.sendNumeric(ERR_UNKNOWNCOMMAND, fmt.Sprintf("%s :Unknown command", msg.Command))
	}
}

// requireRegistered answers 451 for sessions without a client id.
func (s *Session) requireRegistered() bool {
	if !s.Registered() {
		s.sendNumeric(ERR_NOTREGISTERED, ":You have not registered")
		return false
	}
	return true
}

func isValidNickname(nick string) bool {
	if len(nick) < 1 || len(nick) > 30 {
		return false
	}

	for i, ch := range nick {
		if i == 0 && ch >= '0' && ch <= '9' {
			return false
		}
		if !((ch >= 'A' && ch <= 'Z') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') ||
			strings.ContainsRune("-_[]{}|\\", ch)) {
			return false
		}
	}

	return true
}

func (s *Session) handleNick(params []string) {
	if len(params) < 1 || params[0] == "" {
		s.sendNumeric(ERR_NONICKNAMEGIVEN, ":No nickname given")
		return
	}

	nick := params[0]
	if !isValidNickname(nick) {
		s.sendNumeric(ERR_ERRONEUSNICKNAME, fmt.Sprintf("%s :Erroneous nickname", nick))
		return
	}
	if s.Nick() == nick {
		return
	}

	oldIdent := s.Ident()
	old, err := s.server.sessions.ClaimNick(s, nick)
	if errors.Is(err, ErrNickInUse) {
		s.sendNumeric(ERR_NICKNAMEINUSE, fmt.Sprintf("%s :Nickname is already in use", nick))
		return
	}

	if old == "" {
		s.sendNumeric(RPL_WELCOME, fmt.Sprintf(":%s %s", welcomeText, s.Ident()))
		s.sendNumeric(RPL_ENDOFMOTD, ":"+motdText)
		return
	}

	s.logEntry().WithField("old", old).WithField("nick", nick).Info("nick changed")
	line := fmt.Sprintf(":%s NICK :%s", oldIdent, nick)
	s.sendRaw(line)
	for _, peer := range s.server.channels.Peers(s) {
		peer.sendRaw(line)
	}
}

func (s *Session) handleUser(params []string) {
	if s.Registered() {
		s.sendNumeric(ERR_ALREADYREGISTRED, ":You may not reregister")
		return
	}
	if len(params) < 4 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "USER :Not enough parameters")
		return
	}

	s.setUser(params[0], strings.Join(params[3:], " "))

	id, err := s.server.sessions.RegisterRandom(s)
	if err != nil {
		s.logEntry().Errorf("could not assign client id: %v", err)
		if errors.Is(err, ErrAlreadyRegistered) {
			s.sendNumeric(ERR_ALREADYREGISTRED, ":You may not reregister")
		}
		return
	}

	cfg := s.server.cfg
	s.sendNumeric(RPL_WELCOME, fmt.Sprintf(":%s %s", welcomeText, s.Ident()))
	s.sendNumeric(RPL_YOURHOST, fmt.Sprintf(":Your host is %s, running %s", cfg.ServerName, serverInfo))
	s.sendNumeric(RPL_CREATED, fmt.Sprintf(":This server was created %s", s.server.created.Format(time.RFC1123)))
	s.sendNumeric(RPL_MYINFO, fmt.Sprintf("%s %s o o", cfg.ServerName, serverInfo))
	s.sendNumeric(RPL_ENDOFMOTD, ":"+motdText)

	s.logEntry().WithField("user", params[0]).Info("text session registered")
	s.server.events.Emit(&Event{Kind: EventSessionRegistered, ClientID: id, Session: s})
}

func (s *Session) handlePing(params []string) {
	if len(params) < 1 || params[0] == "" {
		s.sendNumeric(ERR_NOORIGIN, ":No origin specified")
		return
	}

	nick := s.Nick()
	if nick == "" {
		nick = "*"
	}
	s.sendRaw(fmt.Sprintf(":%s PONG %s :%s", s.server.cfg.ServerName, nick, params[0]))
}

func (s *Session) handleJoin(params []string) {
	if !s.requireRegistered() {
		return
	}
	if len(params) < 1 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "JOIN :Not enough parameters")
		return
	}

	for _, raw := range strings.Split(params[0], ",") {
		name, err := NormalizeChannelName(raw)
		if err != nil {
			s.sendNumeric(ERR_BADCHANNAME, fmt.Sprintf("%s :Illegal channel name", name))
			continue
		}

		view, err := s.server.channels.Join(s, name)
		if errors.Is(err, ErrAlreadyOnChannel) {
			continue
		}
		if err != nil {
			s.sendNumeric(ERR_BADCHANNAME, fmt.Sprintf("%s :Illegal channel name", name))
			continue
		}

		s.sendTopic(view)

		line := fmt.Sprintf(":%s JOIN %s", s.Ident(), view.Name)
		for _, member := range view.Members {
			member.sendRaw(line)
		}

		s.sendNames(view)
	}
}

func (s *Session) sendTopic(view ChannelView) {
	if view.Topic != "" {
		s.sendNumeric(RPL_TOPIC, fmt.Sprintf("%s :%s", view.Name, view.Topic))
	} else {
		s.sendNumeric(RPL_NOTOPIC, fmt.Sprintf("%s :No topic is set", view.Name))
	}
}

func (s *Session) sendNames(view ChannelView) {
	nicks := make([]string, 0, len(view.Members))
	for _, member := range view.Members {
		if nick := member.Nick(); nick != "" {
			nicks = append(nicks, nick)
		}
	}
	s.sendNumeric(RPL_NAMREPLY, fmt.Sprintf("= %s :%s", view.Name, strings.Join(nicks, " ")))
	s.sendNumeric(RPL_ENDOFNAMES, fmt.Sprintf("%s :End of /NAMES list", view.Name))
}

func (s *Session) handlePart(params []string) {
	if !s.requireRegistered() {
		return
	}
	if len(params) < 1 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "PART :Not enough parameters")
		return
	}

	reason := ""
	if len(params) > 1 {
		reason = params[1]
	}

	for _, raw := range strings.Split(params[0], ",") {
		name, _ := NormalizeChannelName(raw)

		view, err := s.server.channels.Part(s, name)
		switch {
		case errors.Is(err, ErrNoSuchChannel):
			s.sendNumeric(ERR_NOSUCHCHANNEL, fmt.Sprintf("%s :No such channel", name))
			continue
		case errors.Is(err, ErrNotOnChannel):
			s.sendNumeric(ERR_NOTONCHANNEL, fmt.Sprintf("%s :You're not on that channel", name))
			continue
		}

		line := fmt.Sprintf(":%s PART %s", s.Ident(), view.Name)
		if reason != "" {
			line += " :" + reason
		}
		for _, member := range view.Members {
			member.sendRaw(line)
		}
	}
}

func (s *Session) handlePrivmsg(params []string) {
	if !s.requireRegistered() {
		return
	}
	if len(params) < 2 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "PRIVMSG :Not enough parameters")
		return
	}

	target, text := params[0], params[1]
	if !IsChannelTarget(target) {
		// direct messages are accepted and dropped
		s.logEntry().WithField("target", target).Debug("direct message not delivered")
		return
	}

	if !s.server.channels.IsMember(s, target) {
		return
	}
	view, exists := s.server.channels.View(target)
	if !exists {
		return
	}

	line := fmt.Sprintf(":%s PRIVMSG %s :%s", s.Ident(), target, text)
	for _, member := range view.Members {
		if member != s {
			member.sendRaw(line)
		}
	}
}

func (s *Session) handleTopic(params []string) {
	if !s.requireRegistered() {
		return
	}
	if len(params) < 1 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "TOPIC :Not enough parameters")
		return
	}

	name := params[0]
	view, exists := s.server.channels.View(name)
	if !exists {
		s.sendNumeric(ERR_NOSUCHCHANNEL, fmt.Sprintf("%s :No such channel", name))
		return
	}

	// anyone may read a topic, only members may change it
	if len(params) == 1 {
		if view.Topic == "" {
			s.sendNumeric(RPL_NOTOPIC, fmt.Sprintf("%s :No topic is set", view.Name))
			return
		}
		s.sendRaw(fmt.Sprintf(":%s TOPIC %s :%s", s.Ident(), view.Name, view.Topic))
		return
	}

	view, err := s.server.channels.SetTopic(s, name, params[1], s.Nick())
	if errors.Is(err, ErrNotOnChannel) {
		s.sendNumeric(ERR_NOTONCHANNEL, fmt.Sprintf("%s :You're not on that channel", name))
		return
	}
	if err != nil {
		s.sendNumeric(ERR_NOSUCHCHANNEL, fmt.Sprintf("%s :No such channel", name))
		return
	}

	line := fmt.Sprintf(":%s TOPIC %s :%s", s.Ident(), view.Name, view.Topic)
	for _, member := range view.Members {
		member.sendRaw(line)
	}
}

func (s *Session) handleList() {
	s.sendNumeric(RPL_LISTSTART, "Channel :Users  Name")
	for _, info := range s.server.channels.List() {
		topic := info.Topic
		if topic == "" {
			topic = "No topic is set"
		}
		s.sendNumeric(RPL_LIST, fmt.Sprintf("%s %d :%s", info.Name, info.Members, topic))
	}
	s.sendNumeric(RPL_LISTEND, ":End of /LIST")
}

func (s *Session) handleIson(params []string) {
	if len(params) < 1 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, "ISON :Not enough parameters")
		return
	}

	var online []string
	for _, param := range params {
		for _, nick := range strings.Fields(param) {
			if holder, ok := s.server.sessions.LookupNick(nick); ok {
				online = append(online, holder.Nick())
			}
		}
	}
	s.sendNumeric(RPL_ISON, ":"+strings.Join(online, " "))
}
