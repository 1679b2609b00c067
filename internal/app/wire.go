package app

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"driftsync/internal/domain"
	"driftsync/internal/engine"
	"driftsync/internal/identity"
	"driftsync/internal/journal"
	"driftsync/internal/pairing"
	"driftsync/internal/session"
	"driftsync/internal/store"
	"driftsync/internal/transfer"
	"driftsync/internal/transport"
	"driftsync/internal/vault"
)

// Wire is the base dependency graph every command needs: stores plus the
// identity service. The network stack is built separately by BuildEngine
// so init/fingerprint/status never open a socket.
type Wire struct {
	Config   Config
	Log      *zap.Logger
	Identity *identity.Service
	Trust    domain.TrustStore
}

// NewWire constructs the offline part of the graph.
func NewWire(cfg Config, log *zap.Logger) *Wire {
	return &Wire{
		Config:   cfg,
		Log:      log,
		Identity: identity.New(store.NewIdentityFileStore(cfg.Home), log.Named("identity")),
		Trust:    store.NewTrustFileStore(cfg.Home),
	}
}

// Runtime is the full running stack behind a serve or pair command.
type Runtime struct {
	Engine   *engine.Engine
	Pairing  *pairing.Service
	datagram *transport.Datagram
}

// BuildEngine opens the network channels and assembles the engine. The
// identity must already be loaded on w.Identity. listenPort may be 0 for an
// ephemeral port (transient commands).
func BuildEngine(w *Wire, listenPort int, notify domain.Notifier, clock clockwork.Clock) (*Runtime, error) {
	cfg := w.Config
	log := w.Log

	v, err := vault.New(afero.NewOsFs(), cfg.VaultDir, log.Named("vault"))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	watcher, err := vault.Watch(v, log.Named("watch"))
	if err != nil {
		return nil, fmt.Errorf("watch vault: %w", err)
	}

	id, err := w.Identity.Identity()
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.Load(id.DeviceID, store.NewJournalFileStore(cfg.Home), log.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	listener, err := transport.Listen(fmt.Sprintf(":%d", listenPort), log.Named("listen"))
	if err != nil {
		return nil, fmt.Errorf("bind service port: %w", err)
	}
	datagram, err := transport.OpenDatagram(cfg.DiscoveryPort, log.Named("datagram"))
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("bind discovery port: %w", err)
	}

	pairs := pairing.New(w.Identity, w.Trust, cfg.DeviceName, clock, notify, log.Named("pairing"))
	sessions := session.New(w.Identity, w.Trust, clock, notify, log.Named("session"))
	transfers := transfer.New(v, jrnl, clock, notify, log.Named("transfer"))

	eng, err := engine.New(engine.Config{
		DisplayName: cfg.DeviceName,
		PeerTTL:     cfg.PeerTTL,
		Tolerance:   cfg.Tolerance,
		IdleTimeout: cfg.IdleTimeout,
	}, engine.Deps{
		Identity:  w.Identity,
		Trust:     w.Trust,
		Journal:   jrnl,
		Vault:     v,
		Watcher:   watcher,
		Pairing:   pairs,
		Sessions:  sessions,
		Transfers: transfers,
		Listener:  listener,
		Datagram:  datagram,
		Clock:     clock,
		Notifier:  notify,
		Logger:    log.Named("engine"),
	})
	if err != nil {
		_ = listener.Close()
		_ = datagram.Close()
		return nil, err
	}

	return &Runtime{Engine: eng, Pairing: pairs, datagram: datagram}, nil
}

// Close releases the channels the runtime holds beyond the engine.
func (r *Runtime) Close() {
	r.Engine.Stop()
	_ = r.datagram.Close()
}
