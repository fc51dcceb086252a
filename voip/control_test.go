package voip

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstablishAcksAndBroadcastsRosters(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)

	a.send(1, CommandEstablish)

	ack := a.next()
	assert.Equal(t, CommandAck, ack.Command)
	assert.Equal(t, CommandEstablish, ack.text())

	chat := a.next()
	assert.Equal(t, RosterChat, chat.Command)
	assert.Equal(t, []string{"00000001"}, chat.Users)

	voice := a.next()
	assert.Equal(t, RosterVoice, voice.Command)
	assert.Empty(t, voice.Users)

	assert.True(t, srv.HasSession(1))
}

func TestVoiceConnectAckThenRoster(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(1)

	a.send(1, CommandVoiceConnect)

	ack := a.next()
	assert.Equal(t, CommandAck, ack.Command)
	assert.Equal(t, CommandVoiceConnect, ack.text())

	roster := a.next()
	assert.Equal(t, RosterVoice, roster.Command)
	assert.Equal(t, []string{"00000001"}, roster.Users)

	assert.True(t, srv.voiceAuthorization().Contains(1))
}

func TestVoiceConnectDisconnectRestoresAuthorization(t *testing.T) {
	srv, addr := startControl(t)
	srv.voiceAuthorization().Add(7)
	before := srv.voiceAuthorization().IDs()

	a := dialJSON(t, addr)
	a.establish(3)

	a.send(3, CommandVoiceConnect)
	a.expect(CommandAck)
	a.expect(RosterVoice)

	a.send(3, CommandVoiceDisconnect)
	ack := a.expect(CommandAck)
	assert.Equal(t, CommandVoiceDisconnect, ack.text())
	roster := a.next()
	assert.Equal(t, RosterVoice, roster.Command)
	assert.Equal(t, []string{"00000007"}, roster.Users)

	assert.Equal(t, before, srv.voiceAuthorization().IDs())
	a.silent(100 * time.Millisecond)
}

func TestInvalidJSONKeepsConnection(t *testing.T) {
	_, addr := startControl(t)
	a := dialJSON(t, addr)

	a.sendRaw(`{"client_id": 1, "command": `)
	nack := a.next()
	assert.Equal(t, CommandNack, nack.Command)
	assert.Equal(t, NackInvalidJSON, nack.text())

	a.establish(1)
}

func TestInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing client id", `{"command":"establish"}`},
		{"missing command", `{"client_id":1}`},
		{"negative client id", `{"client_id":-1,"command":"establish"}`},
		{"client id too large", `{"client_id":4294967296,"command":"establish"}`},
		{"client id as string", `{"client_id":"1","command":"establish"}`},
		{"fractional client id", `{"client_id":1.5,"command":"establish"}`},
		{"command not a string", `{"client_id":1,"command":7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, addr := startControl(t)
			a := dialJSON(t, addr)

			a.sendRaw(tt.raw)
			nack := a.next()
			assert.Equal(t, CommandNack, nack.Command)
			assert.Equal(t, NackInvalidRequest, nack.text())
			assert.Equal(t, 0, srv.Sessions().Len())
		})
	}
}

func TestClientIDInUse(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(5)

	b := dialJSON(t, addr)
	b.send(5, CommandEstablish)
	nack := b.next()
	assert.Equal(t, CommandNack, nack.Command)
	assert.Equal(t, NackClientIDInUse, nack.text())

	owner, ok := srv.Sessions().Lookup(5)
	require.True(t, ok)
	assert.Equal(t, 1, srv.Sessions().Len())

	// the first session still works
	a.send(5, CommandVoiceConnect)
	a.expect(CommandAck)
	assert.Equal(t, ProtocolJSON, owner.Protocol())
}

func TestClientIDMismatch(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(8)

	a.send(9, CommandVoiceConnect)
	nack := a.next()
	assert.Equal(t, CommandNack, nack.Command)
	assert.Equal(t, NackClientIDMismatch, nack.text())
	assert.False(t, srv.voiceAuthorization().Contains(9))
	assert.False(t, srv.HasSession(9))
}

func TestTextMessageRelayedToEveryJSONSession(t *testing.T) {
	_, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(1)
	b := dialJSON(t, addr)
	b.establish(2)
	a.expect(RosterVoice)

	b.sendText(2, "hello pandas")

	for _, c := range []*jsonClient{a, b} {
		f := c.expect(CommandNewMessage)
		var payload ChatPayload
		require.NoError(t, json.Unmarshal(f.Message, &payload))
		assert.Equal(t, "2", payload.SenderID)
		assert.Equal(t, "hello pandas", payload.Text)
	}
}

func TestTextMessageWithoutMessage(t *testing.T) {
	_, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(1)

	a.send(1, CommandTextMessage)
	nack := a.next()
	assert.Equal(t, CommandNack, nack.Command)
	assert.Equal(t, NackMissingMessage, nack.text())
}

func TestUnknownCommandIsSilent(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(1)

	a.send(1, "dance")
	a.silent(100 * time.Millisecond)
	assert.True(t, srv.HasSession(1))
}

func TestImplicitRegistration(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)

	a.send(4, CommandVoiceConnect)
	a.expect(CommandAck)

	assert.True(t, srv.HasSession(4))
	assert.True(t, srv.voiceAuthorization().Contains(4))
}

func TestConnectionResetCleansUp(t *testing.T) {
	srv, addr := startControl(t)
	a := dialJSON(t, addr)
	a.establish(1)
	b := dialJSON(t, addr)
	b.establish(2)

	a.send(1, CommandVoiceConnect)
	a.expect(CommandAck)
	b.expect(RosterVoice)

	require.NoError(t, a.conn.Close())

	chat := b.next()
	assert.Equal(t, RosterChat, chat.Command)
	assert.Equal(t, []string{"00000002"}, chat.Users)

	voice := b.next()
	assert.Equal(t, RosterVoice, voice.Command)
	assert.Empty(t, voice.Users)

	b.silent(150 * time.Millisecond)

	assert.False(t, srv.HasSession(1))
	assert.False(t, srv.voiceAuthorization().Contains(1))
}

func TestTextSessionsGetNoRosters(t *testing.T) {
	_, addr := startControl(t)
	irc := dialIRC(t, addr)
	irc.register("panda")

	a := dialJSON(t, addr)
	a.establish(10)

	irc.silent(100 * time.Millisecond)
}

func TestRostersListTextSessions(t *testing.T) {
	srv, addr := startControl(t)
	irc := dialIRC(t, addr)
	irc.register("panda")

	a := dialJSON(t, addr)
	a.send(10, CommandEstablish)
	a.expect(CommandAck)
	chat := a.expect(RosterChat)

	ids := srv.Sessions().IDs()
	require.Len(t, ids, 2)
	assert.ElementsMatch(t, []string{PadClientID(ids[0]), PadClientID(ids[1])}, chat.Users)
	assert.Contains(t, chat.Users, "00000010")
}

func TestStopClosesConnections(t *testing.T) {
	srv := NewControlServer(ControlConfig{})
	require.NoError(t, srv.Start("127.0.0.1", 0, nil))

	a := dialJSON(t, srv.Addr().String())
	a.establish(1)

	require.NoError(t, srv.Stop())

	a.conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := a.reader.ReadByte()
	assert.Error(t, err)
	assert.False(t, srv.HasSession(1))
}

func TestControlMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	srv, addr := startControl(t, WithControlMetrics(metrics))

	a := dialJSON(t, addr)
	a.establish(1)
	a.send(1, CommandVoiceConnect)
	a.expect(RosterVoice)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Sessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VoiceAuthorized))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ControlConnections))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ControlFrames.WithLabelValues("json")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Broadcasts.WithLabelValues(RosterChat)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Broadcasts.WithLabelValues(RosterVoice)))

	a.conn.Close()
	eventually(t, func() bool { return testutil.ToFloat64(metrics.ControlConnections) == 0 })
	assert.False(t, srv.HasSession(1))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Sessions))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.VoiceAuthorized))
}

func TestConcurrentVoiceRostersStayOrdered(t *testing.T) {
	srv, addr := startControl(t)
	observer := dialJSON(t, addr)
	observer.establish(100)

	var mu sync.Mutex
	var last []string
	go func() {
		for {
			body, err := readFrame(observer.reader)
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(body, &f) == nil && f.Command == RosterVoice {
				mu.Lock()
				last = f.Users
				mu.Unlock()
			}
		}
	}()
	lastVoice := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), last...)
	}

	const workers, rounds = 6, 40
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		wg.Add(1)
		go func(id int64, conn net.Conn) {
			reader := bufio.NewReader(conn)
			ok := toggleVoice(t, id, conn, reader, rounds)
			wg.Done()
			if ok {
				// keep draining broadcasts so server writes never stall
				conn.SetReadDeadline(time.Time{})
				io.Copy(io.Discard, reader)
			}
		}(int64(i), conn)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not finish")
	}

	expected := []string{"00000002", "00000004", "00000006"}
	assert.Equal(t, []uint32{2, 4, 6}, srv.voiceAuthorization().IDs())
	eventually(t, func() bool { return assert.ObjectsAreEqual(expected, lastVoice()) })

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, expected, lastVoice(), "a stale roster arrived after the current one")
}

// toggleVoice establishes id and flips its voice authorization rounds times,
// waiting for each ack. Even ids end authorized.
func toggleVoice(t *testing.T, id int64, conn net.Conn, reader *bufio.Reader, rounds int) bool {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	// one command per write: a frame ends at the first NUL of a read
	call := func(command string) bool {
		body, _ := json.Marshal(map[string]any{"client_id": id, "command": command})
		if _, err := conn.Write(append(body, 0)); err != nil {
			t.Errorf("client %d: write %s: %v", id, command, err)
			return false
		}
		for {
			body, err := readFrame(reader)
			if err != nil {
				t.Errorf("client %d: waiting for ack of %s: %v", id, command, err)
				return false
			}
			var f frame
			if json.Unmarshal(body, &f) == nil && f.Command == CommandAck {
				return true
			}
		}
	}

	if !call(CommandEstablish) {
		return false
	}
	for r := 0; r < rounds; r++ {
		if !call(CommandVoiceConnect) || !call(CommandVoiceDisconnect) {
			return false
		}
	}
	if id%2 == 0 {
		return call(CommandVoiceConnect)
	}
	return true
}
