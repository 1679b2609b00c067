package discovery

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"driftsync/internal/domain"
)

// Reference intervals. TTL is configurable; the others are protocol
// constants.
const (
	AnnounceInterval = 2 * time.Second
	SweepInterval    = 5 * time.Second
	DefaultPeerTTL   = 60 * time.Second
)

// Service owns the peer table. It is the only writer: announcements and the
// sweeper go through its methods, everyone else reads snapshots.
type Service struct {
	log    *zap.Logger
	clock  clockwork.Clock
	dg     domain.DatagramChannel
	notify domain.Notifier

	self domain.Announcement
	ttl  time.Duration

	mu      sync.Mutex
	peers   map[domain.PeerID]*domain.Peer
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(
	dg domain.DatagramChannel,
	self domain.Announcement,
	ttl time.Duration,
	clock clockwork.Clock,
	notify domain.Notifier,
	log *zap.Logger,
) *Service {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if notify == nil {
		notify = domain.NopNotifier
	}
	return &Service{
		log:    log,
		clock:  clock,
		dg:     dg,
		notify: notify,
		self:   self,
		ttl:    ttl,
		peers:  make(map[domain.PeerID]*domain.Peer),
	}
}

// Start begins announcing, listening and sweeping. Calling Start on a
// running service is a warned no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("discovery already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(3)
	go s.announceLoop()
	go s.listenLoop()
	go s.sweepLoop()
	s.log.Info("discovery started",
		zap.String("peer", string(s.self.PeerID)),
		zap.Duration("ttl", s.ttl))
}

// Stop halts the loops and cancels their timers. The peer table is left
// untouched; entries age out naturally or go with an explicit Clear.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

// Clear empties the peer table without emitting events.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[domain.PeerID]*domain.Peer)
}

// Peers returns a snapshot of the table, sorted by peer id.
func (s *Service) Peers() []domain.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Lookup returns the live entry for a peer id.
func (s *Service) Lookup(id domain.PeerID) (domain.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return domain.Peer{}, false
	}
	return *p, true
}

func (s *Service) announceLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-ticker.Chan():
			s.announce()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) announce() {
	payload, err := json.Marshal(s.self)
	if err != nil {
		s.log.Error("announcement marshal failed", zap.Error(err))
		return
	}
	if err := s.dg.Broadcast(payload); err != nil {
		// Not fatal; the next interval retries.
		s.log.Warn("announcement send failed", zap.Error(err))
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()
	for {
		select {
		case pkt, ok := <-s.dg.Packets():
			if !ok {
				return
			}
			s.handleAnnouncement(pkt)
		case <-s.stop:
			return
		}
	}
}

func (s *Service) handleAnnouncement(pkt domain.Packet) {
	var ann domain.Announcement
	if err := json.Unmarshal(pkt.Data, &ann); err != nil {
		// Malformed announcements are dropped silently.
		return
	}
	if ann.PeerID == "" || ann.DeviceID == "" || ann.ServicePort <= 0 {
		return
	}
	if ann.PeerID == s.self.PeerID {
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	p, known := s.peers[ann.PeerID]
	if !known {
		p = &domain.Peer{
			PeerID:      ann.PeerID,
			DeviceID:    ann.DeviceID,
			DisplayName: ann.DeviceName,
			ServicePort: ann.ServicePort,
		}
		s.peers[ann.PeerID] = p
	}
	p.DisplayName = ann.DeviceName
	p.ServicePort = ann.ServicePort
	p.LastSeenAt = now
	addAddress(p, pkt.Addr)
	peer := *p
	s.mu.Unlock()

	if !known {
		s.log.Info("peer discovered",
			zap.String("peer", string(peer.PeerID)),
			zap.String("name", peer.DisplayName),
			zap.String("addr", pkt.Addr))
		s.notify.Notify(domain.Event{Kind: domain.EventPeerDiscovered, PeerID: peer.PeerID, DeviceID: peer.DeviceID, Detail: peer.DisplayName})
	} else {
		s.notify.Notify(domain.Event{Kind: domain.EventPeerUpdated, PeerID: peer.PeerID, DeviceID: peer.DeviceID})
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) sweep() {
	now := s.clock.Now()
	var lost []domain.Peer

	s.mu.Lock()
	for id, p := range s.peers {
		if now.Sub(p.LastSeenAt) > s.ttl {
			lost = append(lost, *p)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	for _, p := range lost {
		s.log.Info("peer lost", zap.String("peer", string(p.PeerID)))
		s.notify.Notify(domain.Event{Kind: domain.EventPeerLost, PeerID: p.PeerID, DeviceID: p.DeviceID})
	}
}

func addAddress(p *domain.Peer, addr string) {
	if addr == "" {
		return
	}
	for i, a := range p.Addresses {
		if a == addr {
			// Move to the back: Addr() prefers the freshest endpoint.
			p.Addresses = append(append(p.Addresses[:i:i], p.Addresses[i+1:]...), addr)
			return
		}
	}
	p.Addresses = append(p.Addresses, addr)
}
