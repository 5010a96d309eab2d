package authakarin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newUDPServerInfo() *ServerInfo {
	return &ServerInfo{
		Key: []byte("global udp preshared key"),
	}
}

func TestUDPClientToServerRoundTrip(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("per-user udp key")
	plaintext := []byte("a single udp datagram")

	datagram, err := ClientUDPPreEncrypt(info, 7, userKey, plaintext)
	require.NoError(t, err)

	got, uid, ok := ServerUDPPostDecrypt(info, datagram)
	require.True(t, ok)
	require.Equal(t, uint32(7), uid)
	require.Equal(t, plaintext, got)
}

func TestUDPServerToClientRoundTrip(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("per-user udp key")
	plaintext := []byte("reply datagram contents")

	datagram, err := ServerUDPPreEncrypt(info, userKey, plaintext)
	require.NoError(t, err)

	got := ClientUDPPostDecrypt(info, userKey, datagram)
	require.Equal(t, plaintext, got)
}

func TestUDPClientAuthdataIsThreeBytes(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("k")
	datagram, err := ClientUDPPreEncrypt(info, 1, userKey, []byte("x"))
	require.NoError(t, err)

	// The trailing fixed-size tail is authdata(3) + masked-uid(4) + tag(1).
	authdata := datagram[len(datagram)-8 : len(datagram)-5]
	require.Len(t, authdata, 3)
}

func TestUDPServerAuthdataIsSevenBytes(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("k")
	datagram, err := ServerUDPPreEncrypt(info, userKey, []byte("x"))
	require.NoError(t, err)

	// The server's reply tail is authdata(7) + tag(1), no uid to carry.
	authdata := datagram[len(datagram)-8 : len(datagram)-1]
	require.Len(t, authdata, 7)
}

func TestUDPServerPostDecryptRejectsBadTag(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("per-user udp key")
	datagram, err := ClientUDPPreEncrypt(info, 3, userKey, []byte("payload"))
	require.NoError(t, err)

	datagram[len(datagram)-1] ^= 0xFF

	_, _, ok := ServerUDPPostDecrypt(info, datagram)
	require.False(t, ok, "a corrupted tag must be rejected, not panic or misattribute the uid")
}

func TestUDPClientPostDecryptSilentlyDropsOnBadTag(t *testing.T) {
	info := newUDPServerInfo()
	userKey := []byte("per-user udp key")
	datagram, err := ServerUDPPreEncrypt(info, userKey, []byte("payload"))
	require.NoError(t, err)

	datagram[len(datagram)-1] ^= 0xFF

	// The client side never raises on a udp tag mismatch: it returns a
	// nil slice so the caller can silently drop the datagram.
	got := ClientUDPPostDecrypt(info, userKey, datagram)
	require.Nil(t, got)
}

func TestUDPServerPostDecryptRejectsUnknownUID(t *testing.T) {
	info := newUDPServerInfo()
	info.Users = map[uint32][]byte{
		9: []byte("the only configured user key"),
	}
	userKey := []byte("a key for an unregistered uid")

	datagram, err := ClientUDPPreEncrypt(info, 99, userKey, []byte("payload"))
	require.NoError(t, err)

	_, _, ok := ServerUDPPostDecrypt(info, datagram)
	require.False(t, ok, "a uid absent from the user table must be rejected once the table is non-empty")
}

func TestUDPServerPostDecryptFallsBackToGlobalKeyWhenNoUserTable(t *testing.T) {
	info := newUDPServerInfo()
	plaintext := []byte("no per-user table configured")

	datagram, err := ClientUDPPreEncrypt(info, 1234, info.Key, plaintext)
	require.NoError(t, err)

	got, uid, ok := ServerUDPPostDecrypt(info, datagram)
	require.True(t, ok)
	require.Equal(t, uint32(1234), uid)
	require.Equal(t, plaintext, got)
}

func TestUDPDifferentUsersProduceDifferentCiphertext(t *testing.T) {
	info := newUDPServerInfo()
	plaintext := []byte("identical plaintext for both users")

	d1, err := ClientUDPPreEncrypt(info, 1, []byte("user one key"), plaintext)
	require.NoError(t, err)
	d2, err := ClientUDPPreEncrypt(info, 2, []byte("user two key"), plaintext)
	require.NoError(t, err)

	require.False(t, bytes.Equal(d1, d2), "distinct user keys and uids must not yield identical datagrams")
}

func TestUDPRejectsShortDatagram(t *testing.T) {
	info := newUDPServerInfo()
	_, _, ok := ServerUDPPostDecrypt(info, []byte{1, 2, 3})
	require.False(t, ok)

	require.Nil(t, ClientUDPPostDecrypt(info, []byte("k"), []byte{1, 2, 3}))
}
