package domain

// IdentityStore persists the local long-term identity, encrypted at rest.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	// LoadIdentity returns ok=false when no identity has been saved yet.
	LoadIdentity(passphrase string) (Identity, bool, error)
}

// TrustStore persists trust records independently of live peer state.
type TrustStore interface {
	SaveTrust(rec TrustRecord) error
	LoadTrust(device DeviceID) (TrustRecord, bool, error)
	// DeleteTrust revokes a pairing.
	DeleteTrust(device DeviceID) error
	ListTrust() ([]TrustRecord, error)
}

// JournalStore persists the change journal between runs.
type JournalStore interface {
	SaveJournal(entries []JournalEntry, sequence uint64) error
	LoadJournal() (entries []JournalEntry, sequence uint64, err error)
}

// Vault is the local file tree being synchronized. Paths are
// vault-relative, forward-slashed.
type Vault interface {
	List() ([]VaultFile, error)
	Read(path string) ([]byte, error)
	// Write creates parent directories as needed and replaces the file
	// atomically.
	Write(path string, data []byte) error
	Remove(path string) error
}

// Packet is one datagram received on the discovery channel.
type Packet struct {
	Data []byte
	Addr string // sender host, without port
}

// DatagramChannel is the unreliable broadcast channel discovery runs on.
type DatagramChannel interface {
	Broadcast(payload []byte) error
	Packets() <-chan Packet
	Close() error
}

// MessageSender is the write half of a reliable per-peer connection.
type MessageSender interface {
	Send(msg any) error
}

// EventKind tags notifications the core emits for a UI shell to consume.
type EventKind string

const (
	EventPeerDiscovered     EventKind = "peer_discovered"
	EventPeerUpdated        EventKind = "peer_updated"
	EventPeerLost           EventKind = "peer_lost"
	EventPairingSuccess     EventKind = "pairing_success"
	EventSessionEstablished EventKind = "session_established"
	EventSyncPlanReady      EventKind = "sync_plan_ready"
	EventSyncUpToDate       EventKind = "sync_up_to_date"
	EventTransferProgress   EventKind = "transfer_progress"
	EventTransferComplete   EventKind = "transfer_complete"
	EventTransferFailed     EventKind = "transfer_failed"
)

// Event is a one-directional notification; the core never waits on the
// consumer.
type Event struct {
	Kind     EventKind
	PeerID   PeerID
	DeviceID DeviceID
	Path     string
	Progress float64
	Actions  []SyncAction
	Detail   string
}

// Notifier consumes events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// NopNotifier discards all events.
var NopNotifier Notifier = NotifierFunc(func(Event) {})
