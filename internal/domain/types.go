package domain

import "time"

// DeviceID is the stable identifier a device generates once and keeps for
// its lifetime. Trust is keyed on it.
type DeviceID string

// PeerID identifies a live presence on the network. It is transient: a
// device may come back after a restart with the same DeviceID but a new
// PeerID.
type PeerID string

// Identity holds the local device's long-term signing keys. It never leaves
// the device; only EdPub is shared, during pairing.
type Identity struct {
	DeviceID DeviceID
	EdPub    Ed25519Public
	EdPriv   Ed25519Private
}

// Peer is a device currently visible through discovery.
type Peer struct {
	PeerID      PeerID
	DeviceID    DeviceID
	DisplayName string
	Addresses   []string
	ServicePort int
	LastSeenAt  time.Time
}

// Addr returns the most recently seen reachable endpoint, or "".
func (p Peer) Addr() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return p.Addresses[len(p.Addresses)-1]
}

// TrustRecord binds a peer's DeviceID to its long-term public key. Created
// by pairing, consulted on every handshake, removed on revocation. Trust
// outlives reachability: records persist while the peer is offline.
type TrustRecord struct {
	DeviceID  DeviceID      `json:"device_id"`
	Name      string        `json:"name"`
	PublicKey Ed25519Public `json:"public_key"`
	PairedAt  time.Time     `json:"paired_at"`
}

// Session is the ephemeral state of one established handshake. At most one
// per peer; dropped on disconnect or idle timeout.
type Session struct {
	PeerID        PeerID
	DeviceID      DeviceID
	Key           []byte
	EstablishedAt time.Time
}

// PairingChallenge is the single active pairing code, if any. Issuing a new
// code supersedes the previous one.
type PairingChallenge struct {
	Code      string
	ExpiresAt time.Time
}

// QRData returns the scannable payload for the code.
func (c PairingChallenge) QRData() string { return "p2p:pairing:" + c.Code }

// JournalEntry is one row of the change journal: the authoritative local
// record for a vault-relative path, including deleted ones. Tombstones are
// retained so a deletion reconciles as a deletion instead of resurrecting.
type JournalEntry struct {
	Path       string   `json:"path"`
	Hash       string   `json:"hash"` // hex SHA-256; empty for tombstones
	Size       int64    `json:"size"`
	ModifiedAt int64    `json:"mtime"` // unix milliseconds
	Sequence   uint64   `json:"sequence"`
	Deleted    bool     `json:"is_deleted"`
	ModifiedBy DeviceID `json:"last_modified_by"`
}

// ActionKind enumerates what reconciliation can decide for a path.
type ActionKind string

const (
	ActionPush       ActionKind = "push"        // send our copy to the peer
	ActionPull       ActionKind = "pull"        // request the peer's copy
	ActionDelete     ActionKind = "delete"      // delete our copy
	ActionPushDelete ActionKind = "push-delete" // tell the peer to delete
)

// SyncAction is one step of a reconciliation plan.
type SyncAction struct {
	Kind   ActionKind
	Path   string
	Reason string
}

// TransferDirection distinguishes inbound from outbound transfers.
type TransferDirection string

const (
	TransferInbound  TransferDirection = "inbound"
	TransferOutbound TransferDirection = "outbound"
)

// TransferState is surfaced to observers; it does not gate correctness.
type TransferState string

const (
	TransferPending      TransferState = "pending"
	TransferTransferring TransferState = "transferring"
	TransferCompleted    TransferState = "completed"
	TransferFailed       TransferState = "failed"
)

// TransferStatus is a snapshot of one pending transfer.
type TransferStatus struct {
	PeerID      PeerID
	Path        string
	Direction   TransferDirection
	State       TransferState
	Received    int
	TotalChunks int
}

// Progress reports received/total in [0,1].
func (s TransferStatus) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.Received) / float64(s.TotalChunks)
}

// VaultFile describes one file the vault currently holds.
type VaultFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}
