package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"driftsync/internal/discovery"
	"driftsync/internal/domain"
	"driftsync/internal/identity"
	"driftsync/internal/journal"
	"driftsync/internal/pairing"
	"driftsync/internal/reconcile"
	"driftsync/internal/session"
	"driftsync/internal/transfer"
	"driftsync/internal/transport"
	"driftsync/internal/vault"
)

// Config carries the engine's tunables. Zero values fall back to the
// reference defaults.
type Config struct {
	DisplayName string
	PeerTTL     time.Duration
	Tolerance   time.Duration
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultDialTimeout = 5 * time.Second
	idleCheckInterval  = 30 * time.Second
)

// Deps are the collaborators the engine is wired with. Discovery is built
// internally so its events land on the loop.
type Deps struct {
	Identity  *identity.Service
	Trust     domain.TrustStore
	Journal   *journal.Journal
	Vault     *vault.Vault
	Watcher   *vault.Watcher // optional
	Pairing   *pairing.Service
	Sessions  *session.Manager
	Transfers *transfer.Manager
	Listener  *transport.Listener
	Datagram  domain.DatagramChannel
	Clock     clockwork.Clock
	Notifier  domain.Notifier
	Logger    *zap.Logger
}

// Engine is the synchronization core. All state below mu-free fields is
// owned by the loop goroutine.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	clock  clockwork.Clock
	notify domain.Notifier

	id        *identity.Service
	self      domain.Identity
	peerID    domain.PeerID
	trust     domain.TrustStore
	jrnl      *journal.Journal
	vlt       *vault.Vault
	watcher   *vault.Watcher
	pairs     *pairing.Service
	sessions  *session.Manager
	transfers *transfer.Manager
	listener  *transport.Listener
	disc      *discovery.Service

	loop    chan func()
	stopped chan struct{}
	done    chan struct{}

	// Loop-owned state.
	conns        map[domain.PeerID]*transport.Conn
	dialing      map[domain.PeerID]bool
	pendingPlans map[domain.PeerID][]domain.SyncAction
	lastActivity time.Time
}

// New wires an engine. The identity must already be loaded.
func New(cfg Config, deps Deps) (*Engine, error) {
	id, err := deps.Identity.Identity()
	if err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = reconcile.DefaultTolerance
	}
	notify := deps.Notifier
	if notify == nil {
		notify = domain.NopNotifier
	}

	e := &Engine{
		cfg:          cfg,
		log:          deps.Logger,
		clock:        deps.Clock,
		notify:       notify,
		id:           deps.Identity,
		self:         id,
		peerID:       domain.PeerID(uuid.NewString()),
		trust:        deps.Trust,
		jrnl:         deps.Journal,
		vlt:          deps.Vault,
		watcher:      deps.Watcher,
		pairs:        deps.Pairing,
		sessions:     deps.Sessions,
		transfers:    deps.Transfers,
		listener:     deps.Listener,
		loop:         make(chan func(), 256),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
		conns:        make(map[domain.PeerID]*transport.Conn),
		dialing:      make(map[domain.PeerID]bool),
		pendingPlans: make(map[domain.PeerID][]domain.SyncAction),
	}

	e.disc = discovery.New(
		deps.Datagram,
		domain.Announcement{
			PeerID:      e.peerID,
			DeviceID:    id.DeviceID,
			DeviceName:  cfg.DisplayName,
			ServicePort: deps.Listener.Port(),
		},
		cfg.PeerTTL,
		deps.Clock,
		domain.NotifierFunc(e.onDiscoveryEvent),
		deps.Logger.Named("discovery"),
	)
	return e, nil
}

// PeerID returns this run's transient peer id.
func (e *Engine) PeerID() domain.PeerID { return e.peerID }

// Discovery exposes the peer table for the CLI.
func (e *Engine) Discovery() *discovery.Service { return e.disc }

// Transfers exposes transfer status for the CLI.
func (e *Engine) Transfers() []domain.TransferStatus { return e.transfers.Status() }

// Start scans the vault into the journal, then begins discovery, accepting
// connections and watching for changes. It returns once the loop is live.
func (e *Engine) Start() error {
	if err := e.scanVault(); err != nil {
		return err
	}
	e.lastActivity = e.clock.Now()

	go e.run()
	go e.acceptPump()
	if e.watcher != nil {
		go e.watchPump()
	}
	go e.idlePump()

	e.disc.Start()
	e.log.Info("engine started",
		zap.String("peer", string(e.peerID)),
		zap.String("device", string(e.self.DeviceID)),
		zap.Int("port", e.listener.Port()))
	return nil
}

// Stop tears the engine down: discovery, listener, connections, sessions.
func (e *Engine) Stop() {
	close(e.stopped)
	e.disc.Stop()
	_ = e.listener.Close()
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	<-e.done
}

// scanVault reconciles the journal with what is on disk right now: new and
// changed files are recorded, files that vanished while we were offline
// become tombstones.
func (e *Engine) scanVault() error {
	files, err := e.vlt.List()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
		content, err := e.vlt.Read(f.Path)
		if err != nil {
			return err
		}
		if _, err := e.jrnl.RecordUpdate(f.Path, content, f.ModTime); err != nil {
			return err
		}
	}
	for _, entry := range e.jrnl.Snapshot() {
		if !entry.Deleted && !present[entry.Path] {
			if _, err := e.jrnl.RecordDelete(entry.Path, e.clock.Now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// ----- loop plumbing -----

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.loop:
			fn()
		case <-e.stopped:
			for _, c := range e.conns {
				_ = c.Close()
			}
			e.sessions.DropAll()
			return
		}
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.loop <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) acceptPump() {
	for conn := range e.listener.Accepted() {
		c := conn
		e.enqueue(func() { e.attachConn(c, false) })
	}
}

func (e *Engine) watchPump() {
	for ch := range e.watcher.Changes() {
		c := ch
		e.enqueue(func() { e.handleVaultChange(c) })
	}
}

func (e *Engine) idlePump() {
	ticker := e.clock.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			e.enqueue(e.checkIdle)
		case <-e.stopped:
			return
		}
	}
}

// onDiscoveryEvent runs on the discovery goroutine: forward to the shell
// and hop onto the loop for anything that needs engine state.
func (e *Engine) onDiscoveryEvent(ev domain.Event) {
	e.notify.Notify(ev)
	switch ev.Kind {
	case domain.EventPeerDiscovered, domain.EventPeerUpdated:
		e.enqueue(func() { e.maybeConnect(ev.PeerID) })
	case domain.EventPeerLost:
		e.enqueue(func() { e.dropPeer(ev.PeerID) })
	}
}

// ----- connection lifecycle (loop goroutine) -----

// maybeConnect dials a discovered peer when it is trusted and we have no
// connection yet. Untrusted peers are left alone until pairing.
func (e *Engine) maybeConnect(id domain.PeerID) {
	if _, ok := e.conns[id]; ok {
		e.ensureSession(id)
		return
	}
	if e.dialing[id] {
		return
	}
	peer, ok := e.disc.Lookup(id)
	if !ok || peer.Addr() == "" {
		return
	}
	if _, trusted, err := e.trust.LoadTrust(peer.DeviceID); err != nil || !trusted {
		return
	}

	e.dialing[id] = true
	addr := transport.HostPort(peer.Addr(), peer.ServicePort)
	go func() {
		conn, err := transport.Dial(addr, e.cfg.DialTimeout, e.log.Named("conn"))
		e.enqueue(func() {
			delete(e.dialing, id)
			if err != nil {
				e.log.Warn("dial failed", zap.String("peer", string(id)), zap.String("addr", addr), zap.Error(err))
				return
			}
			conn.BindPeer(id, peer.DeviceID)
			e.attachConn(conn, true)
		})
	}()
}

// attachConn registers a connection, sends our Hello and starts its read
// pump. initiate starts a handshake once the conn is up.
func (e *Engine) attachConn(conn *transport.Conn, initiate bool) {
	if err := conn.Send(domain.Hello{PeerID: e.peerID, DeviceID: e.self.DeviceID}); err != nil {
		e.log.Warn("hello send failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	if id := conn.Peer(); id != "" {
		e.conns[id] = conn
	}

	go func() {
		err := conn.ReadLoop(func(msg any) {
			e.enqueue(func() { e.handleMessage(conn, msg) })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			e.log.Debug("connection closed", zap.String("peer", string(conn.Peer())), zap.Error(err))
		}
		e.enqueue(func() { e.detachConn(conn) })
	}()

	if initiate {
		e.ensureSession(conn.Peer())
	}
}

func (e *Engine) detachConn(conn *transport.Conn) {
	_ = conn.Close()
	id := conn.Peer()
	if id == "" {
		return
	}
	if cur, ok := e.conns[id]; ok && cur == conn {
		delete(e.conns, id)
		e.sessions.Drop(id)
		e.transfers.Abandon(id)
		delete(e.pendingPlans, id)
	}
}

// dropPeer handles TTL expiry: the address is stale, so the connection
// goes too.
func (e *Engine) dropPeer(id domain.PeerID) {
	if conn, ok := e.conns[id]; ok {
		e.detachConn(conn)
	}
}

// ensureSession starts a handshake when the peer is trusted and no session
// or outstanding offer exists.
func (e *Engine) ensureSession(id domain.PeerID) {
	if id == "" {
		return
	}
	conn, ok := e.conns[id]
	if !ok {
		return
	}
	if _, ok := e.sessions.Get(id); ok {
		return
	}
	if e.sessions.Pending(id) {
		return
	}
	offer, err := e.sessions.Initiate(id, conn.Device())
	if err != nil {
		if !errors.Is(err, domain.ErrNotTrusted) {
			e.log.Warn("handshake initiate failed", zap.String("peer", string(id)), zap.Error(err))
		}
		return
	}
	if err := conn.Send(offer); err != nil {
		e.log.Warn("offer send failed", zap.String("peer", string(id)), zap.Error(err))
	}
}

// checkIdle tears down connections and sessions after a quiet period.
// Discovery keeps running, so trusted peers reconnect and re-sync on their
// next announcement.
func (e *Engine) checkIdle() {
	if len(e.conns) == 0 {
		return
	}
	if e.clock.Now().Sub(e.lastActivity) <= e.cfg.IdleTimeout {
		return
	}
	e.log.Info("idle timeout, closing peer connections", zap.Int("conns", len(e.conns)))
	for _, conn := range e.conns {
		e.detachConn(conn)
	}
	e.lastActivity = e.clock.Now()
}

func (e *Engine) touch() { e.lastActivity = e.clock.Now() }

// ----- message handling (loop goroutine) -----

func (e *Engine) handleMessage(conn *transport.Conn, msg any) {
	switch m := msg.(type) {
	case *domain.Hello:
		e.handleHello(conn, *m)
	case *domain.PairingRequest:
		e.handlePairingRequest(conn, *m)
	case *domain.PairingResponse:
		e.pairs.HandleResponse(*m)
	case *domain.SessionOffer:
		e.handleOffer(conn, *m)
	case *domain.SessionAnswer:
		e.handleAnswer(conn, *m)
	case *domain.SyncRequest:
		e.handleSyncRequest(conn)
	case *domain.SyncResponse:
		e.handleSyncResponse(conn, *m)
	case *domain.FileRequest:
		e.handleFileRequest(conn, *m)
	case *domain.FileChunk:
		e.handleFileChunk(conn, *m)
	case *domain.FileDelete:
		e.handleFileDelete(conn, *m)
	default:
		e.log.Warn("unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (e *Engine) handleHello(conn *transport.Conn, m domain.Hello) {
	if m.PeerID == "" {
		return
	}
	conn.BindPeer(m.PeerID, m.DeviceID)
	if existing, ok := e.conns[m.PeerID]; ok && existing != conn {
		// Two live connections to the same peer (simultaneous dials). Keep
		// the one already registered; messages on this one are still
		// serviced until it closes.
		e.log.Debug("duplicate connection", zap.String("peer", string(m.PeerID)))
	} else {
		e.conns[m.PeerID] = conn
	}
	e.ensureSession(m.PeerID)
}

func (e *Engine) handlePairingRequest(conn *transport.Conn, m domain.PairingRequest) {
	resp, err := e.pairs.HandleRequest(m)
	if err != nil {
		e.log.Warn("pairing request failed", zap.String("device", string(m.DeviceID)), zap.Error(err))
		return
	}
	if resp == nil {
		return // wrong or expired code: silent drop
	}
	if err := conn.Send(*resp); err != nil {
		e.log.Warn("pairing response send failed", zap.Error(err))
	}
}

func (e *Engine) handleOffer(conn *transport.Conn, m domain.SessionOffer) {
	peer := conn.Peer()
	if peer == "" {
		e.log.Warn("session offer before hello")
		return
	}
	answer, err := e.sessions.HandleOffer(peer, m)
	if err != nil {
		e.log.Warn("session offer rejected", zap.String("peer", string(peer)), zap.Error(err))
		return
	}
	if answer == nil {
		return // tie-break: our own offer stands
	}
	if err := conn.Send(*answer); err != nil {
		e.log.Warn("session answer send failed", zap.Error(err))
		return
	}
	e.touch()
	// Responder side is established; kick off a reconciliation round.
	e.requestSync(conn)
}

func (e *Engine) handleAnswer(conn *transport.Conn, m domain.SessionAnswer) {
	peer := conn.Peer()
	if peer == "" {
		return
	}
	if err := e.sessions.HandleAnswer(peer, m); err != nil {
		e.log.Warn("session answer rejected", zap.String("peer", string(peer)), zap.Error(err))
		return
	}
	e.touch()
	e.requestSync(conn)
}

func (e *Engine) requestSync(conn *transport.Conn) {
	if err := conn.Send(domain.SyncRequest{}); err != nil {
		e.log.Warn("sync request send failed", zap.Error(err))
	}
}

func (e *Engine) handleSyncRequest(conn *transport.Conn) {
	if _, ok := e.sessions.Get(conn.Peer()); !ok {
		// No session yet; a fresh handshake will bring its own round.
		e.ensureSession(conn.Peer())
		return
	}
	e.touch()
	if err := conn.Send(domain.SyncResponse{Files: e.jrnl.Snapshot()}); err != nil {
		e.log.Warn("sync response send failed", zap.Error(err))
	}
}

func (e *Engine) handleSyncResponse(conn *transport.Conn, m domain.SyncResponse) {
	peer := conn.Peer()
	if _, ok := e.sessions.Get(peer); !ok {
		e.ensureSession(peer)
		return
	}
	e.touch()

	plan := reconcile.Plan(e.jrnl.Snapshot(), m.Files, e.cfg.Tolerance)
	if len(plan) == 0 {
		e.notify.Notify(domain.Event{Kind: domain.EventSyncUpToDate, PeerID: peer})
		return
	}
	if reconcile.NeedsConfirmation(plan) {
		e.pendingPlans[peer] = plan
		e.log.Info("sync plan needs confirmation",
			zap.String("peer", string(peer)), zap.Int("actions", len(plan)))
		e.notify.Notify(domain.Event{Kind: domain.EventSyncPlanReady, PeerID: peer, Actions: plan})
		return
	}
	e.executePlan(conn, plan)
}

// ConfirmPlan executes a plan that exceeded the confirmation threshold.
func (e *Engine) ConfirmPlan(peer domain.PeerID) {
	e.enqueue(func() {
		plan, ok := e.pendingPlans[peer]
		if !ok {
			return
		}
		delete(e.pendingPlans, peer)
		conn, ok := e.conns[peer]
		if !ok {
			return
		}
		e.executePlan(conn, plan)
	})
}

// RejectPlan discards a pending plan.
func (e *Engine) RejectPlan(peer domain.PeerID) {
	e.enqueue(func() { delete(e.pendingPlans, peer) })
}

func (e *Engine) executePlan(conn *transport.Conn, plan []domain.SyncAction) {
	peer := conn.Peer()
	sess, ok := e.sessions.Get(peer)
	if !ok {
		e.ensureSession(peer)
		return
	}
	e.log.Info("executing sync plan", zap.String("peer", string(peer)), zap.Int("actions", len(plan)))

	for _, action := range plan {
		switch action.Kind {
		case domain.ActionPull:
			if err := conn.Send(domain.FileRequest{FilePath: action.Path}); err != nil {
				e.log.Warn("file request send failed", zap.String("path", action.Path), zap.Error(err))
			}
		case domain.ActionPush:
			e.pushFile(conn, sess, action.Path)
		case domain.ActionDelete:
			e.deleteLocal(action.Path)
		case domain.ActionPushDelete:
			entry, ok := e.jrnl.Get(action.Path)
			if !ok || !entry.Deleted {
				continue
			}
			if err := conn.Send(domain.FileDelete{FilePath: action.Path, DeletedAt: entry.ModifiedAt}); err != nil {
				e.log.Warn("file delete send failed", zap.String("path", action.Path), zap.Error(err))
			}
		}
	}
	e.touch()
}

func (e *Engine) pushFile(conn *transport.Conn, sess domain.Session, path string) {
	entry, ok := e.jrnl.Get(path)
	if !ok || entry.Deleted {
		e.log.Warn("push of unjournaled path", zap.String("path", path))
		return
	}
	content, err := e.vlt.Read(path)
	if err != nil {
		e.log.Warn("push read failed", zap.String("path", path), zap.Error(err))
		return
	}
	peer := conn.Peer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.transfers.Send(ctx, conn, peer, sess.Key, path, content, entry.ModifiedAt); err != nil {
			e.log.Warn("push failed", zap.String("peer", string(peer)), zap.String("path", path), zap.Error(err))
		}
	}()
}

func (e *Engine) deleteLocal(path string) {
	if err := e.vlt.Remove(path); err != nil {
		e.log.Warn("local delete failed", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := e.jrnl.RecordDelete(path, e.clock.Now()); err != nil {
		e.log.Warn("journal delete failed", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) handleFileRequest(conn *transport.Conn, m domain.FileRequest) {
	sess, ok := e.sessions.Get(conn.Peer())
	if !ok {
		e.ensureSession(conn.Peer())
		return
	}
	entry, ok := e.jrnl.Get(m.FilePath)
	if !ok || entry.Deleted {
		e.log.Debug("file request for unknown path", zap.String("path", m.FilePath))
		return
	}
	e.touch()
	e.pushFile(conn, sess, m.FilePath)
}

func (e *Engine) handleFileChunk(conn *transport.Conn, m domain.FileChunk) {
	peer := conn.Peer()
	sess, ok := e.sessions.Get(peer)
	if !ok {
		e.ensureSession(peer)
		return
	}
	e.touch()
	if _, err := e.transfers.Receive(peer, sess.Key, m, conn.Device()); err != nil {
		e.log.Warn("chunk apply failed", zap.String("peer", string(peer)), zap.String("path", m.FilePath), zap.Error(err))
	}
}

func (e *Engine) handleFileDelete(conn *transport.Conn, m domain.FileDelete) {
	if _, ok := e.sessions.Get(conn.Peer()); !ok {
		e.ensureSession(conn.Peer())
		return
	}
	entry, ok := e.jrnl.Get(m.FilePath)
	if ok && entry.Deleted {
		return
	}
	if ok && entry.ModifiedAt >= m.DeletedAt {
		// Our copy is newer than their deletion; keep it. The next
		// reconciliation round pushes it back.
		return
	}
	e.touch()
	if err := e.vlt.Remove(m.FilePath); err != nil {
		e.log.Warn("remote delete failed", zap.String("path", m.FilePath), zap.Error(err))
		return
	}
	if err := e.jrnl.ApplyRemote(domain.JournalEntry{
		Path:       m.FilePath,
		ModifiedAt: m.DeletedAt,
		Deleted:    true,
		ModifiedBy: conn.Device(),
	}); err != nil {
		e.log.Warn("journal apply failed", zap.String("path", m.FilePath), zap.Error(err))
	}
	e.log.Info("applied remote delete", zap.String("path", m.FilePath))
}

// ----- vault changes (loop goroutine) -----

func (e *Engine) handleVaultChange(c vault.Change) {
	switch c.Op {
	case vault.OpCreated, vault.OpModified:
		content, err := e.vlt.Read(c.Path)
		if err != nil {
			// Raced with a delete; the remove event follows.
			return
		}
		changed, err := e.jrnl.RecordUpdate(c.Path, content, e.clock.Now())
		if err != nil {
			e.log.Warn("journal update failed", zap.String("path", c.Path), zap.Error(err))
			return
		}
		if changed {
			e.touch()
			e.syncAll()
		}
	case vault.OpDeleted, vault.OpRenamed:
		changed, err := e.jrnl.RecordDelete(c.Path, e.clock.Now())
		if err != nil {
			e.log.Warn("journal delete failed", zap.String("path", c.Path), zap.Error(err))
			return
		}
		if changed {
			e.touch()
			entry, _ := e.jrnl.Get(c.Path)
			for id, conn := range e.conns {
				if _, ok := e.sessions.Get(id); !ok {
					continue
				}
				if err := conn.Send(domain.FileDelete{FilePath: c.Path, DeletedAt: entry.ModifiedAt}); err != nil {
					e.log.Warn("file delete send failed", zap.String("peer", string(id)), zap.Error(err))
				}
			}
		}
	}
}

// syncAll starts a reconciliation round with every connected session.
func (e *Engine) syncAll() {
	for id, conn := range e.conns {
		if _, ok := e.sessions.Get(id); !ok {
			continue
		}
		e.requestSync(conn)
	}
}

// ----- pairing entry point -----

// PairWith dials the target peer on a dedicated connection, runs the
// initiator side of pairing with the given code, and closes the
// connection. Sync picks the peer up on its next announcement once trust
// exists.
func (e *Engine) PairWith(ctx context.Context, peer domain.PeerID, code string) (domain.TrustRecord, error) {
	if !pairing.VerifyCodeShape(code) {
		return domain.TrustRecord{}, fmt.Errorf("%w: malformed code", domain.ErrCodeExpired)
	}
	p, ok := e.disc.Lookup(peer)
	if !ok || p.Addr() == "" {
		return domain.TrustRecord{}, fmt.Errorf("peer %s not currently visible", peer)
	}

	addr := transport.HostPort(p.Addr(), p.ServicePort)
	conn, err := transport.Dial(addr, e.cfg.DialTimeout, e.log.Named("pairing"))
	if err != nil {
		return domain.TrustRecord{}, err
	}
	defer conn.Close()

	if err := conn.Send(domain.Hello{PeerID: e.peerID, DeviceID: e.self.DeviceID}); err != nil {
		return domain.TrustRecord{}, err
	}
	go func() {
		_ = conn.ReadLoop(func(msg any) {
			if resp, ok := msg.(*domain.PairingResponse); ok {
				e.pairs.HandleResponse(*resp)
			}
		})
	}()

	return e.pairs.Pair(ctx, conn, code)
}
