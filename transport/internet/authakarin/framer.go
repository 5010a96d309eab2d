package authakarin

import (
	"crypto/hmac"
	"errors"
	"sort"
)

const (
	cmdMSSRenegotiate = 0xff00
	framingCeiling    = 4096
)

// errNeedMore is an internal control-flow signal from unpackFrame: the
// buffered bytes don't yet hold a complete frame. Never surfaced to a
// Session caller.
var errNeedMore = errors.New("authakarin: incomplete frame")

// dataSizeTables holds the two sorted padding-target tables the spec_a
// variant derives once, at session construction, from server_key via a
// dedicated xorshift128plus instance (distinct from the per-packet
// padding PRNG, which is always reseeded from the current hash chain
// head instead).
type dataSizeTables struct {
	t1, t2 []int
}

func buildDataSizeTables(serverKey []byte) *dataSizeTables {
	rng := newPRNGFromBin(serverKey)

	t := &dataSizeTables{}
	n1 := int(rng.next()%8) + 4
	t.t1 = make([]int, n1)
	for i := range t.t1 {
		t.t1[i] = int(rng.next() % 2340 % 2040 % 1440)
	}
	sort.Ints(t.t1)

	n2 := int(rng.next()%16) + 8
	t.t2 = make([]int, n2)
	for i := range t.t2 {
		t.t2[i] = int(rng.next() % 2340 % 2040 % 1440)
	}
	sort.Ints(t.t2)

	return t
}

// paddingLen implements the shared branch structure of send_rnd_data_len
// / recv_rnd_data_len: the overflow and exact-fit checks are identical
// between directions and between the rand/spec_a variants; only the
// "normal" middle case differs (legacy size-class branches for rand,
// table lookups for spec_a).
//
// mss is the direction's own MSS (send_tcp_mss for TX, recv_tcp_mss for
// RX); zeroCheckMSS is the value the *zero-padding* branch compares
// against, which in the original is always send_tcp_mss regardless of
// direction — an asymmetry the design notes call out explicitly as
// observable wire behaviour, not a bug to silently fix.
func paddingLen(bufSize int, overhead uint16, mss uint16, zeroCheckMSS uint16, lastHash []byte, tables *dataSizeTables) int {
	over := int(overhead)
	if bufSize+over > int(mss) {
		rng := newPRNGFromBinLen(lastHash, uint16(bufSize))
		return int(rng.nextMod(521))
	}
	if bufSize >= 1440 || bufSize+over == int(zeroCheckMSS) {
		return 0
	}
	rng := newPRNGFromBinLen(lastHash, uint16(bufSize))
	if tables == nil {
		return legacyPaddingLen(bufSize, over, int(mss), rng)
	}
	return tablePaddingLen(bufSize, over, rng, tables)
}

func legacyPaddingLen(bufSize, over, mss int, rng *xorshift128plus) int {
	switch {
	case bufSize > 1300:
		return int(rng.nextMod(31))
	case bufSize > 900:
		return int(rng.nextMod(127))
	case bufSize > 400:
		return int(rng.nextMod(521))
	default:
		return int(rng.nextMod(uint64(mss - bufSize - over)))
	}
}

func tablePaddingLen(bufSize, over int, rng *xorshift128plus, tables *dataSizeTables) int {
	target := bufSize + over

	pos := sort.SearchInts(tables.t1, target)
	finalPos := pos + int(rng.nextMod(uint64(len(tables.t1))))
	if finalPos < len(tables.t1) {
		return tables.t1[finalPos] - target
	}

	pos = sort.SearchInts(tables.t2, target)
	finalPos = pos + int(rng.nextMod(uint64(len(tables.t2))))
	if finalPos < len(tables.t2) {
		return tables.t2[finalPos] - target
	}
	if finalPos < pos+len(tables.t2)-1 {
		return 0
	}

	switch {
	case bufSize > 1300:
		return int(rng.nextMod(31))
	case bufSize > 900:
		return int(rng.nextMod(127))
	case bufSize > 400:
		return int(rng.nextMod(521))
	default:
		return int(rng.nextMod(1021))
	}
}

// packetTag computes the 16-byte hash-chain value and returns it in
// full; callers take tag = hash[:2] for the wire and the whole value
// becomes the next last_*_hash.
func packetTag(userKey []byte, packID uint32, frame []byte) []byte {
	macKey := make([]byte, 0, len(userKey)+4)
	macKey = append(macKey, userKey...)
	var idBuf [4]byte
	putLeUint32(idBuf[:], packID)
	macKey = append(macKey, idBuf[:]...)
	return hmacMD5(macKey, frame)
}

// maskLen XORs a plaintext 16-bit length against two bytes of the hash
// chain head, little-endian on both sides.
func maskLen(plainLen uint16, hashSlice []byte) uint16 {
	return plainLen ^ leUint16(hashSlice)
}

// packFrame builds one on-wire data packet: optional masked cmd prefix,
// masked length, ciphertext, pseudo-random padding, and a 2-byte MAC
// tag. Returns the frame and the new hash-chain head (caller advances
// last_*_hash and the pack_id/recv_id counter on success).
func packFrame(plain, userKey []byte, packID uint32, lastHash []byte, pc *payloadCipher, over, mss, zeroCheckMSS uint16, tables *dataSizeTables, cmd uint16, hasCmd bool) ([]byte, []byte) {
	ciphertext := make([]byte, len(plain))
	pc.Encrypt(ciphertext, plain)

	seedLen := len(plain)
	if hasCmd {
		seedLen += 2
	}
	padLen := paddingLen(seedLen, over, mss, zeroCheckMSS, lastHash, tables)
	pad := randBytes(padLen)

	out := make([]byte, 0, 4+len(plain)+padLen+2)
	if hasCmd {
		var cb [2]byte
		putLeUint16(cb[:], cmd^leUint16(lastHash[14:16]))
		out = append(out, cb[:]...)
	}
	lenIdx := 14
	if hasCmd {
		lenIdx = 12
	}
	var lb [2]byte
	putLeUint16(lb[:], uint16(len(plain))^leUint16(lastHash[lenIdx:lenIdx+2]))
	out = append(out, lb[:]...)
	out = append(out, ciphertext...)
	out = append(out, pad...)

	hash := packetTag(userKey, packID, out)
	return append(out, hash[:2]...), hash
}

// unpackFrame is the receive-side inverse of packFrame. It never blocks:
// errNeedMore means "buffer buf as-is and wait for more bytes"; any
// other non-nil error is a fatal framing failure (caller must enter
// raw_trans). On success it returns the decrypted payload, the number
// of bytes consumed from buf, whether a command prefix was present, and
// the new hash-chain head.
func unpackFrame(buf, userKey []byte, recvID uint32, lastHash []byte, pc *payloadCipher, over, mss, zeroCheckMSS uint16, tables *dataSizeTables) (plain []byte, consumed int, hasCmd bool, newHash []byte, err error) {
	if len(buf) < 2 {
		return nil, 0, false, nil, errNeedMore
	}
	word0 := leUint16(buf[0:2]) ^ leUint16(lastHash[14:16])
	hasCmd = word0 == cmdMSSRenegotiate

	headerLen := 2
	lenWire := word0
	if hasCmd {
		if len(buf) < 4 {
			return nil, 0, false, nil, errNeedMore
		}
		lenWire = leUint16(buf[2:4]) ^ leUint16(lastHash[12:14])
		headerLen = 4
	}

	dataLen := int(lenWire)
	seedLen := dataLen
	if hasCmd {
		seedLen += 2
	}
	padLen := paddingLen(seedLen, over, mss, zeroCheckMSS, lastHash, tables)
	if dataLen+padLen >= framingCeiling {
		return nil, 0, hasCmd, nil, newProtoErr(KindFraming, "oversize frame")
	}

	total := headerLen + dataLen + padLen + 2
	if len(buf) < total {
		return nil, 0, false, nil, errNeedMore
	}

	tagOffset := headerLen + dataLen + padLen
	hash := packetTag(userKey, recvID, buf[:tagOffset])
	if !hmac.Equal(hash[:2], buf[tagOffset:tagOffset+2]) {
		return nil, 0, hasCmd, nil, newProtoErr(KindFraming, "mac tag mismatch")
	}

	out := make([]byte, dataLen)
	pc.Decrypt(out, buf[headerLen:headerLen+dataLen])
	return out, total, hasCmd, hash, nil
}
