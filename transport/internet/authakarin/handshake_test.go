package authakarin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newHandshakeServerInfo() *ServerInfo {
	return &ServerInfo{
		Key:      []byte("global-preshared-key"),
		IV:       []byte("client-iv-bytes-16"),
		RecvIV:   []byte("client-iv-bytes-16"),
		Overhead: 4,
		TCPMSS:   1460,
		Data:     NewReplayGuard(0),
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	info := newHandshakeServerInfo()

	client := NewSession(RoleClient, VariantRand)
	client.SetServerInfo(info)

	server := NewSession(RoleServer, VariantRand)
	server.SetServerInfo(info)

	initial := []byte("first bytes of application data")
	out, err := client.ClientPreEncrypt(initial)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	plain, sendback, err := server.ServerPostDecrypt(out)
	require.NoError(t, err)
	require.True(t, sendback)
	require.Equal(t, initial, plain)

	require.Equal(t, client.lastClientHash, server.lastClientHash)
	require.Equal(t, client.lastServerHash, server.lastServerHash)
}

func TestHandshakeRejectsUnrecognisedPrefix(t *testing.T) {
	info := newHandshakeServerInfo()
	server := NewSession(RoleServer, VariantRand)
	server.SetServerInfo(info)

	garbage := make([]byte, 40)
	for i := range garbage {
		garbage[i] = byte(i)
	}

	plain, sendback, err := server.ServerPostDecrypt(garbage)
	require.Error(t, err)
	require.True(t, sendback)
	require.Len(t, plain, poisonLen)
	perr, ok := err.(*ProtocolError)
	require.True(t, ok)
	require.Equal(t, KindBenign, perr.Kind)
}

func TestHandshakeWaitsForMoreBytesBeforeVerdict(t *testing.T) {
	info := newHandshakeServerInfo()
	client := NewSession(RoleClient, VariantRand)
	client.SetServerInfo(info)

	server := NewSession(RoleServer, VariantRand)
	server.SetServerInfo(info)

	out, err := client.ClientPreEncrypt([]byte("x"))
	require.NoError(t, err)
	require.True(t, len(out) > 20)

	// Feed only the first 8 bytes: neither the 12-byte nor the 36-byte
	// gate has enough to reach a verdict yet.
	plain, sendback, err := server.ServerPostDecrypt(out[:8])
	require.NoError(t, err)
	require.False(t, sendback)
	require.Nil(t, plain)
}

func TestHandshakeRejectsReplayedConnectionID(t *testing.T) {
	info := newHandshakeServerInfo()

	client := NewSession(RoleClient, VariantRand)
	client.SetServerInfo(info)
	out, err := client.ClientPreEncrypt([]byte("payload"))
	require.NoError(t, err)

	server1 := NewSession(RoleServer, VariantRand)
	server1.SetServerInfo(info)
	_, _, err = server1.ServerPostDecrypt(out)
	require.NoError(t, err)

	// Replaying the identical handshake bytes against a second session
	// sharing the same ReplayGuard must be rejected as an auth failure.
	server2 := NewSession(RoleServer, VariantRand)
	server2.SetServerInfo(info)
	_, sendback, err := server2.ServerPostDecrypt(out)
	require.Error(t, err)
	require.True(t, sendback)
	perr, ok := err.(*ProtocolError)
	require.True(t, ok)
	require.Equal(t, KindAuthFailure, perr.Kind)
}

func TestHandshakeHonoursUIDPinning(t *testing.T) {
	info := newHandshakeServerInfo()
	info.Users = map[uint32][]byte{
		42: []byte("per-user-key-for-uid-42"),
	}
	info.ProtocolParam = "42:per-user-key-for-uid-42"

	client := NewSession(RoleClient, VariantRand)
	client.SetServerInfo(info)
	out, err := client.ClientPreEncrypt([]byte("pinned"))
	require.NoError(t, err)

	server := NewSession(RoleServer, VariantRand)
	server.SetServerInfo(info)
	plain, _, err := server.ServerPostDecrypt(out)
	require.NoError(t, err)
	require.Equal(t, []byte("pinned"), plain)
	require.Equal(t, uint32(42), server.uid)
}

func TestHandshakeCallsOnUpdateUserForKnownUID(t *testing.T) {
	info := newHandshakeServerInfo()
	info.Users = map[uint32][]byte{
		42: []byte("per-user-key-for-uid-42"),
	}
	info.ProtocolParam = "42:per-user-key-for-uid-42"

	var notified uint32
	calls := 0
	info.OnUpdateUser = func(uid uint32) {
		notified = uid
		calls++
	}

	client := NewSession(RoleClient, VariantRand)
	client.SetServerInfo(info)
	out, err := client.ClientPreEncrypt([]byte("pinned"))
	require.NoError(t, err)

	server := NewSession(RoleServer, VariantRand)
	server.SetServerInfo(info)
	_, _, err = server.ServerPostDecrypt(out)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, uint32(42), notified)
}

func TestHeaderCipherRoundTrip(t *testing.T) {
	key := headerKey([]byte("some-user-key"), false)
	plain := make([]byte, 16)
	for i := range plain {
		plain[i] = byte(i * 3)
	}

	ct, err := encryptHeader(key, plain)
	require.NoError(t, err)
	require.Len(t, ct, 16)

	pt, err := decryptHeader(key, ct)
	require.NoError(t, err)
	require.Equal(t, plain, pt)
}

func TestHeaderCipherRejectsUnalignedInput(t *testing.T) {
	key := headerKey([]byte("k"), false)
	_, err := encryptHeader(key, make([]byte, 15))
	require.ErrorIs(t, err, errHeaderNotBlockAligned)
}
