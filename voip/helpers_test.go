package voip

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func init() {
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	SetLogger(quiet)
}

func startControl(t *testing.T, opts ...ControlOption) (*ControlServer, string) {
	t.Helper()

	srv := NewControlServer(ControlConfig{ServerName: "test.pandavoip"}, opts...)
	require.NoError(t, srv.Start("127.0.0.1", 0, nil))
	t.Cleanup(func() { srv.Stop() })

	return srv, srv.Addr().String()
}

// eventually polls cond until it holds or the test timeout passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, 5*time.Millisecond)
}

// jsonClient speaks the length framed JSON protocol.
type jsonClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialJSON(t *testing.T, addr string) *jsonClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &jsonClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *jsonClient) sendRaw(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw + "\x00"))
	require.NoError(c.t, err)
}

func (c *jsonClient) send(clientID int64, command string) {
	c.t.Helper()
	body, err := json.Marshal(map[string]any{"client_id": clientID, "command": command})
	require.NoError(c.t, err)
	c.sendRaw(string(body))
}

func (c *jsonClient) sendText(clientID int64, text string) {
	c.t.Helper()
	body, err := json.Marshal(map[string]any{"client_id": clientID, "command": CommandTextMessage, "message": text})
	require.NoError(c.t, err)
	c.sendRaw(string(body))
}

type frame struct {
	Command string          `json:"command"`
	Message json.RawMessage `json:"message"`
	Users   []string        `json:"users"`
}

func (f frame) text() string {
	var s string
	json.Unmarshal(f.Message, &s)
	return s
}

func (c *jsonClient) next() frame {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	body, err := readFrame(c.reader)
	require.NoError(c.t, err)

	var f frame
	require.NoError(c.t, json.Unmarshal(body, &f), "frame body %q", body)
	return f
}

// expect skips frames until one with command arrives.
func (c *jsonClient) expect(command string) frame {
	c.t.Helper()
	for {
		if f := c.next(); f.Command == command {
			return f
		}
	}
}

// establish registers id and consumes the ack and both rosters.
func (c *jsonClient) establish(id int64) {
	c.t.Helper()
	c.send(id, CommandEstablish)
	require.Equal(c.t, CommandAck, c.expect(CommandAck).Command)
	c.expect(RosterChat)
	c.expect(RosterVoice)
}

// silent asserts nothing arrives within d.
func (c *jsonClient) silent(d time.Duration) {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.reader.Peek(1)
	require.Error(c.t, err, "unexpected data from server")
	ne, ok := err.(net.Error)
	require.True(c.t, ok && ne.Timeout(), "expected timeout, got %v", err)
}

// ircClient speaks the text protocol.
type ircClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialIRC(t *testing.T, addr string) *ircClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &ircClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *ircClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *ircClient) next() *girc.Event {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)

	ev := girc.ParseEvent(strings.TrimRight(line, "\r\n"))
	require.NotNil(c.t, ev, "unparseable line %q", line)
	return ev
}

// expect skips lines until one with command arrives.
func (c *ircClient) expect(command string) *girc.Event {
	c.t.Helper()
	for {
		if ev := c.next(); ev.Command == command {
			return ev
		}
	}
}

func (c *ircClient) silent(d time.Duration) {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.reader.Peek(1)
	require.Error(c.t, err, "unexpected data from server")
}

// register runs NICK and USER and waits for the end of the welcome burst.
func (c *ircClient) register(nick string) {
	c.t.Helper()
	c.send("NICK " + nick)
	c.expect("376")
	c.send("USER " + nick + " 0 * :" + nick + " Panda")
	c.expect("376")
}

func (c *ircClient) join(channel string) {
	c.t.Helper()
	c.send("JOIN " + channel)
	c.expect("366")
}
