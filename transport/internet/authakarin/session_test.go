package authakarin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newPairedSessions(t *testing.T, variant Variant) (*Session, *Session, *ServerInfo) {
	t.Helper()
	info := &ServerInfo{
		Key:      []byte("a shared pre-shared key for tests"),
		IV:       []byte("0123456789abcdef"),
		RecvIV:   []byte("0123456789abcdef"),
		Overhead: 4,
		TCPMSS:   1460,
		Data:     NewReplayGuard(0),
	}
	client := NewSession(RoleClient, variant)
	client.SetServerInfo(info)
	server := NewSession(RoleServer, variant)
	server.SetServerInfo(info)
	return client, server, info
}

func TestSessionFullDuplexDataFlow(t *testing.T) {
	client, server, _ := newPairedSessions(t, VariantRand)

	clientMsg := []byte("ping from client")
	out, err := client.ClientPreEncrypt(clientMsg)
	require.NoError(t, err)

	recv, sendback, err := server.ServerPostDecrypt(out)
	require.NoError(t, err)
	require.True(t, sendback)
	require.Equal(t, clientMsg, recv)

	serverMsg := []byte("pong from server")
	reply, err := server.ServerPreEncrypt(serverMsg)
	require.NoError(t, err)

	got, err := client.ClientPostDecrypt(reply)
	require.NoError(t, err)
	require.Equal(t, serverMsg, got)
}

func TestSessionMSSRenegotiationRoundTrip(t *testing.T) {
	client, server, _ := newPairedSessions(t, VariantRand)

	out, err := client.ClientPreEncrypt([]byte("handshake payload"))
	require.NoError(t, err)
	_, _, err = server.ServerPostDecrypt(out)
	require.NoError(t, err)

	// The server's first reply carries the negotiated MSS prefix and
	// flips send_tcp_mss adoption for its *next* outbound frame.
	firstReply, err := server.ServerPreEncrypt([]byte("first"))
	require.NoError(t, err)

	got, err := client.ClientPostDecrypt(firstReply)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
	require.True(t, client.pendingCmd, "client must queue the 0xff00 command after its first read")

	// The client's next outbound frame carries the queued command; the
	// server must fold recv_tcp_mss onto send_tcp_mss upon seeing it.
	second, err := client.ClientPreEncrypt([]byte("second"))
	require.NoError(t, err)

	recv, _, err := server.ServerPostDecrypt(second)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), recv)
	require.Equal(t, server.sendTCPMSS, server.recvTCPMSS)
}

func TestSessionMultipleFramesInOneRead(t *testing.T) {
	client, server, _ := newPairedSessions(t, VariantRand)

	first, err := client.ClientPreEncrypt([]byte("one"))
	require.NoError(t, err)
	second, err := client.encodeClientFrame([]byte("two"))
	require.NoError(t, err)

	combined := append(append([]byte{}, first...), second...)
	recv, _, err := server.ServerPostDecrypt(combined)
	require.NoError(t, err)
	require.Equal(t, []byte("onetwo"), recv)
}

func TestSessionSpecAVariantRoundTrip(t *testing.T) {
	client, server, _ := newPairedSessions(t, VariantSpecA)

	out, err := client.ClientPreEncrypt([]byte("spec a payload"))
	require.NoError(t, err)
	recv, _, err := server.ServerPostDecrypt(out)
	require.NoError(t, err)
	require.Equal(t, []byte("spec a payload"), recv)
}

func TestSessionEntersRawTransOnBadTag(t *testing.T) {
	client, server, _ := newPairedSessions(t, VariantRand)

	out, err := client.ClientPreEncrypt([]byte("payload"))
	require.NoError(t, err)
	_, _, err = server.ServerPostDecrypt(out)
	require.NoError(t, err)

	frame, err := client.encodeClientFrame([]byte("corrupt me"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	_, _, err = server.ServerPostDecrypt(frame)
	require.Error(t, err)
	require.True(t, server.rawTrans)

	_, _, err = server.ServerPostDecrypt([]byte("anything"))
	require.ErrorIs(t, err, ErrRawTrans)
}

func TestSessionDisposeReleasesReplayGuard(t *testing.T) {
	client, server, info := newPairedSessions(t, VariantRand)

	out, err := client.ClientPreEncrypt([]byte("x"))
	require.NoError(t, err)
	_, _, err = server.ServerPostDecrypt(out)
	require.NoError(t, err)

	uid, clientID := server.uid, server.clientID
	server.Dispose()

	// Dispose drops the queue's reference taken by the handshake.
	v, found := info.Data.users[uid].cache.Peek(clientID)
	require.True(t, found)
	require.Equal(t, uint32(0), v.(*clientQueue).refCount)

	// The bloom ring already recorded this exact (uid, client_id,
	// conn_id) triple during the handshake above, so a second Insert of
	// the identical id is fast-rejected regardless of ref-count or
	// disposal state — disposing a session frees its slot for *new*
	// connection ids, it never pardons a literal replay of one already
	// seen.
	require.False(t, info.Data.Insert(uid, clientID, server.connID))

	// Disposing twice must not panic or double-release.
	server.Dispose()
}
