package domain

import (
	"encoding/json"
	"fmt"
)

// Message type tags. The set is closed: DecodeMessage rejects anything else
// as a protocol error.
const (
	MsgHello           = "hello"
	MsgPairingRequest  = "pairing_request"
	MsgPairingResponse = "pairing_response"
	MsgSessionOffer    = "session_offer"
	MsgSessionAnswer   = "session_answer"
	MsgSyncRequest     = "sync_request"
	MsgSyncResponse    = "sync_response"
	MsgFileRequest     = "file_request"
	MsgFileChunk       = "file_chunk"
	MsgFileDelete      = "file_delete"
)

// Envelope is the frame payload on the reliable stream: a type tag plus the
// raw body, both JSON.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Announcement is the discovery datagram. It is broadcast in the clear and
// authenticates nothing.
type Announcement struct {
	PeerID      PeerID   `json:"peer_id"`
	DeviceID    DeviceID `json:"device_id"`
	DeviceName  string   `json:"device_name"`
	ServicePort int      `json:"service_port"`
}

// Hello binds a freshly accepted connection to a peer id. It is the first
// message in both directions on every stream.
type Hello struct {
	PeerID   PeerID   `json:"peer_id"`
	DeviceID DeviceID `json:"device_id"`
}

// PairingRequest carries the initiator's identity plus the code its user
// read off the responder's screen.
type PairingRequest struct {
	RequestID   string   `json:"request_id"`
	DeviceID    DeviceID `json:"device_id"`
	Name        string   `json:"name"`
	PublicKey   []byte   `json:"public_key"` // Ed25519, 32 bytes
	PairingCode string   `json:"pairing_code"`
}

// Pairing response statuses.
const (
	PairingAccepted = "accepted"
	PairingRejected = "rejected"
)

// PairingResponse is the responder's signed acceptance (or rejection).
// Signature covers RequestID || initiator public key.
type PairingResponse struct {
	RequestID string   `json:"request_id"`
	DeviceID  DeviceID `json:"device_id"`
	Name      string   `json:"name"`
	PublicKey []byte   `json:"public_key"`
	Signature []byte   `json:"signature"`
	Status    string   `json:"status"`
}

// SessionOffer opens a handshake: an ephemeral X25519 public key signed by
// the sender's long-term key.
type SessionOffer struct {
	DeviceID     DeviceID `json:"device_id"`
	EphemeralKey []byte   `json:"ephemeral_key"` // X25519, 32 bytes
	Signature    []byte   `json:"signature"`
}

// SessionAnswer completes a handshake; same shape as the offer.
type SessionAnswer struct {
	DeviceID     DeviceID `json:"device_id"`
	EphemeralKey []byte   `json:"ephemeral_key"`
	Signature    []byte   `json:"signature"`
}

// SyncRequest asks the peer for its journal snapshot.
type SyncRequest struct{}

// SyncResponse carries the peer's full journal snapshot, tombstones
// included.
type SyncResponse struct {
	Files []JournalEntry `json:"files"`
}

// FileRequest asks the peer to send a file's chunks.
type FileRequest struct {
	FilePath string `json:"file_path"`
}

// FileChunk is one encrypted slice of a file in flight. An empty file is
// exactly one chunk with zero plaintext bytes. ModifiedAt carries the
// sender's journal mtime so the receiver records the change at its original
// time; journaling the apply time instead would make the copy look newer
// than the source and re-trigger transfers on every reconnect.
type FileChunk struct {
	FilePath    string `json:"file_path"`
	ChunkIndex  uint32 `json:"chunk_index"`
	TotalChunks uint32 `json:"total_chunks"`
	Data        []byte `json:"data"`
	Nonce       []byte `json:"nonce"`
	ModifiedAt  int64  `json:"mtime"` // unix milliseconds
}

// FileDelete tells the peer our deletion of the path is authoritative.
type FileDelete struct {
	FilePath  string `json:"file_path"`
	DeletedAt int64  `json:"deleted_at"` // unix milliseconds
}

// EncodeMessage wraps a typed message in an Envelope.
func EncodeMessage(msg any) (Envelope, error) {
	var tag string
	switch msg.(type) {
	case Hello, *Hello:
		tag = MsgHello
	case PairingRequest, *PairingRequest:
		tag = MsgPairingRequest
	case PairingResponse, *PairingResponse:
		tag = MsgPairingResponse
	case SessionOffer, *SessionOffer:
		tag = MsgSessionOffer
	case SessionAnswer, *SessionAnswer:
		tag = MsgSessionAnswer
	case SyncRequest, *SyncRequest:
		tag = MsgSyncRequest
	case SyncResponse, *SyncResponse:
		tag = MsgSyncResponse
	case FileRequest, *FileRequest:
		tag = MsgFileRequest
	case FileChunk, *FileChunk:
		tag = MsgFileChunk
	case FileDelete, *FileDelete:
		tag = MsgFileDelete
	default:
		return Envelope{}, fmt.Errorf("%w: unencodable message %T", ErrProtocol, msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: tag, Body: body}, nil
}

// DecodeMessage unwraps an Envelope into its typed message. Unknown tags and
// malformed bodies are protocol errors; the caller drops the message and
// keeps the connection.
func DecodeMessage(env Envelope) (any, error) {
	var msg any
	switch env.Type {
	case MsgHello:
		msg = &Hello{}
	case MsgPairingRequest:
		msg = &PairingRequest{}
	case MsgPairingResponse:
		msg = &PairingResponse{}
	case MsgSessionOffer:
		msg = &SessionOffer{}
	case MsgSessionAnswer:
		msg = &SessionAnswer{}
	case MsgSyncRequest:
		msg = &SyncRequest{}
	case MsgSyncResponse:
		msg = &SyncResponse{}
	case MsgFileRequest:
		msg = &FileRequest{}
	case MsgFileChunk:
		msg = &FileChunk{}
	case MsgFileDelete:
		msg = &FileDelete{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type)
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: bad %s body: %v", ErrProtocol, env.Type, err)
	}
	return msg, nil
}
