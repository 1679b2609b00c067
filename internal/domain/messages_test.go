package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftsync/internal/domain"
)

func TestEncodeDecodeMessage(t *testing.T) {
	in := domain.FileChunk{
		FilePath:    "notes/todo.txt",
		ChunkIndex:  2,
		TotalChunks: 3,
		Data:        []byte{1, 2, 3},
		Nonce:       []byte{9, 9},
	}
	env, err := domain.EncodeMessage(in)
	require.NoError(t, err)
	require.Equal(t, domain.MsgFileChunk, env.Type)

	out, err := domain.DecodeMessage(env)
	require.NoError(t, err)
	chunk, ok := out.(*domain.FileChunk)
	require.True(t, ok)
	require.Equal(t, in, *chunk)
}

func TestEncodeMessagePointerAndValue(t *testing.T) {
	h := domain.Hello{PeerID: "p1", DeviceID: "d1"}

	byValue, err := domain.EncodeMessage(h)
	require.NoError(t, err)
	byPointer, err := domain.EncodeMessage(&h)
	require.NoError(t, err)
	require.Equal(t, byValue, byPointer)
}

func TestEncodeMessageRejectsUnknownType(t *testing.T) {
	_, err := domain.EncodeMessage(struct{ X int }{1})
	require.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecodeMessageRejectsUnknownTag(t *testing.T) {
	_, err := domain.DecodeMessage(domain.Envelope{Type: "gossip", Body: []byte("{}")})
	require.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecodeMessageRejectsMalformedBody(t *testing.T) {
	_, err := domain.DecodeMessage(domain.Envelope{Type: domain.MsgHello, Body: []byte("not json")})
	require.ErrorIs(t, err, domain.ErrProtocol)
}

func TestQRDataPayload(t *testing.T) {
	c := domain.PairingChallenge{Code: "123456"}
	require.Equal(t, "p2p:pairing:123456", c.QRData())
}

func TestTransferProgress(t *testing.T) {
	st := domain.TransferStatus{Received: 3, TotalChunks: 4}
	require.InDelta(t, 0.75, st.Progress(), 1e-9)
	require.Zero(t, domain.TransferStatus{}.Progress())
}
