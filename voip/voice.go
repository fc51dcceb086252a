package voip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// VoiceHeaderSize is the little endian client id in front of every datagram.
	VoiceHeaderSize = 4

	DefaultVoiceWorkers   = 4
	DefaultVoiceQueueSize = 1024

	maxDatagramSize = 65535
)

// VoiceParticipant is a client whose endpoint was learned from its traffic.
type VoiceParticipant struct {
	ClientID uint32
	Endpoint *net.UDPAddr
}

// VoiceOption customizes a VoiceServer.
type VoiceOption func(*VoiceServer)

// WithVoiceWorkers sets the number of relay workers.
func WithVoiceWorkers(n int) VoiceOption {
	return func(v *VoiceServer) {
		if n > 0 {
			v.workers = n
		}
	}
}

// WithVoiceQueueSize sets the per worker datagram queue length.
func WithVoiceQueueSize(n int) VoiceOption {
	return func(v *VoiceServer) {
		if n > 0 {
			v.queueSize = n
		}
	}
}

// WithVoiceMetrics records voice plane metrics into m.
func WithVoiceMetrics(m *Metrics) VoiceOption {
	return func(v *VoiceServer) {
		v.metrics = m
	}
}

// WithRequireSession drops datagrams from authorized ids that have no live
// control session. It needs an attached ControlAuthority.
func WithRequireSession(require bool) VoiceOption {
	return func(v *VoiceServer) {
		v.requireSession = require
	}
}

type datagram struct {
	clientID uint32
	data     []byte
	from     *net.UDPAddr
}

// VoiceServer relays voice datagrams between authorized participants.
type VoiceServer struct {
	auth           *VoiceAuthorizationSet
	metrics        *Metrics
	workers        int
	queueSize      int
	requireSession bool

	mu      sync.RWMutex
	conn    *net.UDPConn
	control ControlAuthority
	queues  []chan datagram

	pmu          sync.Mutex
	participants map[uint32]*net.UDPAddr

	shutdown chan struct{}
	stopOnce sync.Once
	recvWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

// NewVoiceServer creates a voice server with its own authorization set.
func NewVoiceServer(opts ...VoiceOption) *VoiceServer {
	v := &VoiceServer{
		auth:         NewVoiceAuthorizationSet(),
		workers:      DefaultVoiceWorkers,
		queueSize:    DefaultVoiceQueueSize,
		participants: make(map[uint32]*net.UDPAddr),
		shutdown:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.metrics == nil {
		v.metrics = NewMetrics(nil)
	}
	return v
}

// Authorization returns the set of ids allowed to relay.
func (v *VoiceServer) Authorization() *VoiceAuthorizationSet {
	return v.auth
}

// AttachControlAuthority lets the relay ask whether an id has a session.
func (v *VoiceServer) AttachControlAuthority(c ControlAuthority) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.control = c
}

func (v *VoiceServer) controlAuthority() ControlAuthority {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.control
}

// Start binds the UDP socket and starts the receive loop and workers.
func (v *VoiceServer) Start(host string, port int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != nil {
		return errors.New("voice server already started")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve voice address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start voice listener: %w", err)
	}
	v.conn = conn

	v.queues = make([]chan datagram, v.workers)
	for i := range v.queues {
		v.queues[i] = make(chan datagram, v.queueSize)
		v.workerWG.Add(1)
		go v.relayWorker(conn, v.queues[i])
	}

	v.recvWG.Add(1)
	go v.receiveLoop(conn, v.queues)

	logger.WithFields(logrus.Fields{
		"addr":    conn.LocalAddr().String(),
		"workers": v.workers,
	}).Info("voice server started")
	return nil
}

// Addr returns the bound socket address, or nil before Start.
func (v *VoiceServer) Addr() net.Addr {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.conn == nil {
		return nil
	}
	return v.conn.LocalAddr()
}

// Stop closes the socket and waits for queued datagrams to drain.
func (v *VoiceServer) Stop() error {
	var err error
	v.stopOnce.Do(func() {
		close(v.shutdown)

		v.mu.RLock()
		conn, queues := v.conn, v.queues
		v.mu.RUnlock()
		if conn == nil {
			return
		}

		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("error closing voice listener: %w", cerr)
		}
		v.recvWG.Wait()
		for _, q := range queues {
			close(q)
		}
		v.workerWG.Wait()
		logger.Info("voice server stopped")
	})
	return err
}

func (v *VoiceServer) receiveLoop(conn *net.UDPConn, queues []chan datagram) {
	defer v.recvWG.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-v.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("failed to read voice datagram: %v", err)
			continue
		}

		v.metrics.VoicePacketsReceived.Inc()
		if n < VoiceHeaderSize {
			v.metrics.VoicePacketsDropped.WithLabelValues(DropShort).Inc()
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		dg := datagram{
			clientID: binary.LittleEndian.Uint32(data),
			data:     data,
			from:     from,
		}

		// one sender always lands on the same worker so its packets stay in order
		select {
		case queues[dg.clientID%uint32(len(queues))] <- dg:
		default:
			v.metrics.VoicePacketsDropped.WithLabelValues(DropQueueFull).Inc()
		}
	}
}

func (v *VoiceServer) relayWorker(conn *net.UDPConn, queue <-chan datagram) {
	defer v.workerWG.Done()

	for dg := range queue {
		v.relay(conn, dg)
	}
}

// relay forwards one datagram and returns how many participants got it.
func (v *VoiceServer) relay(conn *net.UDPConn, dg datagram) int {
	if !v.auth.Contains(dg.clientID) {
		v.metrics.VoicePacketsDropped.WithLabelValues(DropUnauthorized).Inc()
		return 0
	}
	if v.requireSession {
		if control := v.controlAuthority(); control != nil && !control.HasSession(dg.clientID) {
			v.metrics.VoicePacketsDropped.WithLabelValues(DropNoSession).Inc()
			return 0
		}
	}

	targets := v.learnEndpoint(dg.clientID, dg.from)

	forwarded := 0
	var stale []uint32
	for _, p := range targets {
		if p.ClientID == dg.clientID {
			continue
		}
		if !v.auth.Contains(p.ClientID) {
			stale = append(stale, p.ClientID)
			continue
		}
		if _, err := conn.WriteToUDP(dg.data, p.Endpoint); err != nil {
			logger.WithField("client_id", p.ClientID).Debugf("failed to forward voice datagram: %v", err)
			continue
		}
		forwarded++
	}

	if len(stale) > 0 {
		v.evict(stale)
	}
	v.metrics.VoicePacketsForwarded.Add(float64(forwarded))
	return forwarded
}

// learnEndpoint records the sender endpoint and returns a copy of the
// participant table to iterate without the lock.
func (v *VoiceServer) learnEndpoint(id uint32, from *net.UDPAddr) []VoiceParticipant {
	v.pmu.Lock()
	defer v.pmu.Unlock()

	if current, ok := v.participants[id]; !ok || !sameUDPAddr(current, from) {
		if ok {
			logger.WithField("client_id", id).WithField("endpoint", from.String()).Debug("voice endpoint changed")
		}
		v.participants[id] = from
		v.metrics.VoiceParticipants.Set(float64(len(v.participants)))
	}

	snapshot := make([]VoiceParticipant, 0, len(v.participants))
	for pid, endpoint := range v.participants {
		snapshot = append(snapshot, VoiceParticipant{ClientID: pid, Endpoint: endpoint})
	}
	return snapshot
}

// evict drops participants that are still unauthorized.
func (v *VoiceServer) evict(ids []uint32) {
	v.pmu.Lock()
	defer v.pmu.Unlock()

	for _, id := range ids {
		if !v.auth.Contains(id) {
			delete(v.participants, id)
		}
	}
	v.metrics.VoiceParticipants.Set(float64(len(v.participants)))
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}

// Participants returns the known participants ordered by client id.
func (v *VoiceServer) Participants() []VoiceParticipant {
	v.pmu.Lock()
	participants := make([]VoiceParticipant, 0, len(v.participants))
	for id, endpoint := range v.participants {
		participants = append(participants, VoiceParticipant{ClientID: id, Endpoint: endpoint})
	}
	v.pmu.Unlock()

	sort.Slice(participants, func(i, j int) bool { return participants[i].ClientID < participants[j].ClientID })
	return participants
}
