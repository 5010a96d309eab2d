package authakarin

import (
	"crypto/subtle"
	"time"
)

const (
	maxTimeSkew     = 86400 // seconds
	poisonLen       = 2048
	headSizeDefault = 30
)

// headSizeOf approximates the upstream head-size accessor this call site
// always invokes with a default of 30: the handshake packet's randomised
// payload prefix is capped at min(len(buf), 30) plus a small jitter.
func headSizeOf(buf []byte, def int) int {
	if len(buf) < def {
		return len(buf)
	}
	return def
}

// buildHandshakePacket implements the client-side emission: check_head,
// masked uid, AES-CBC header, derived ChaCha20 session cipher, and the
// handshake's trailing slice of real payload framed as an ordinary data
// packet (pack_id is always 1 here).
func (s *Session) buildHandshakePacket(initial []byte) ([]byte, error) {
	authData := s.info.nextAuthData()

	var mssBuf [2]byte
	cryptoRandUint16(mssBuf[:])
	s.sendTCPMSS = (leUint16(mssBuf[:])%1024 + 400)

	plain := make([]byte, 0, 16)
	plain = append(plain, authData...)
	var ovBuf, mssOut [2]byte
	putLeUint16(ovBuf[:], s.info.Overhead)
	putLeUint16(mssOut[:], s.sendTCPMSS)
	plain = append(plain, ovBuf[:]...)
	plain = append(plain, mssOut[:]...)

	rand4 := randBytes(4)
	macKey := append(append([]byte{}, s.info.IV...), s.info.Key...)
	checkHeadHash := hmacMD5(macKey, rand4)
	s.lastClientHash = checkHeadHash

	var uid uint32
	if u, k, ok := uidKeyFromParam(s.info.ProtocolParam); ok {
		uid, s.userKey = u, k
	} else {
		uid = leUint32(randBytes(4))
		s.userKey = s.info.Key
	}

	hkey := headerKey(s.userKey, s.variant == VariantSpecA)
	cipherHeader, err := encryptHeader(hkey, plain)
	if err != nil {
		return nil, err
	}

	maskedUID := uid ^ leUint32(checkHeadHash[8:12])
	var uidBuf [4]byte
	putLeUint32(uidBuf[:], maskedUID)

	encData := append(append([]byte{}, uidBuf[:]...), cipherHeader...)
	s.lastServerHash = hmacMD5(s.userKey, encData)

	out := make([]byte, 0, 12+len(encData)+4)
	out = append(out, rand4...)
	out = append(out, checkHeadHash[:8]...)
	out = append(out, encData...)
	out = append(out, s.lastServerHash[:4]...)

	material := sessionKeyMaterial(s.userKey, s.lastClientHash)
	payload, err := newPayloadCipher(material, s.lastClientHash[:8], s.lastServerHash[:8])
	if err != nil {
		return nil, err
	}
	payload.markEncryptIVSent()
	s.cipher = payload
	s.unitLen = int(s.sendTCPMSS)
	if s.unitLen > s.unitLenCeiling {
		s.unitLen = s.unitLenCeiling
	}

	frame, err := s.encodeClientFrame(initial)
	if err != nil {
		return nil, err
	}
	return append(out, frame...), nil
}

// cryptoRandUint16 fills dst with 2 random bytes for the send_tcp_mss
// roll. The caller reads them little-endian; since the bytes are
// uniformly random and the value is then reduced mod 1024, the byte
// order does not change the distribution.
func cryptoRandUint16(dst []byte) {
	copy(dst, randBytes(2))
}

// parseHandshakeHeader implements the server-side two-stage gate over
// s.recvBuf. Returns (handled=false, nil) when more bytes are needed,
// (handled=true, err) once a verdict (accept or reject) is reached.
func (s *Session) parseHandshakeHeader() (handled bool, err error) {
	buf := s.recvBuf
	if len(buf) < 12 {
		return false, nil
	}

	macKey := append(append([]byte{}, s.info.RecvIV...), s.info.Key...)
	checkHeadHash := hmacMD5(macKey, buf[0:4])
	if subtle.ConstantTimeCompare(checkHeadHash[:8], buf[4:12]) != 1 {
		return true, newProtoErr(KindBenign, "handshake prefix not recognised")
	}

	if len(buf) < 36 {
		return false, nil
	}

	maskedUID := leUint32(buf[12:16])
	uid := maskedUID ^ leUint32(checkHeadHash[8:12])

	var userKey []byte
	if key, ok := s.info.Users[uid]; ok {
		userKey = key
		if s.info.OnUpdateUser != nil {
			s.info.OnUpdateUser(uid)
		}
	} else if len(s.info.Users) == 0 {
		userKey = s.info.Key
	} else {
		userKey = s.info.RecvIV
	}

	gotHash := hmacMD5(userKey, buf[12:32])
	if subtle.ConstantTimeCompare(gotHash[:4], buf[32:36]) != 1 {
		return true, newProtoErr(KindAuthFailure, "handshake user hash mismatch")
	}

	hkey := headerKey(userKey, s.variant == VariantSpecA)
	plain, err := decryptHeader(hkey, buf[16:32])
	if err != nil {
		return true, wrapProtoErr(KindAuthFailure, err)
	}

	utc := leUint32(plain[0:4])
	clientID := leUint32(plain[4:8])
	connID := int64(leUint32(plain[8:12]))
	overhead := leUint16(plain[12:14])
	sendMSS := leUint16(plain[14:16])

	now := uint32(time.Now().Unix())
	var skew int64
	if now > utc {
		skew = int64(now - utc)
	} else {
		skew = int64(utc - now)
	}
	if skew > maxTimeSkew {
		return true, newProtoErr(KindAuthFailure, "handshake timestamp out of range")
	}

	if s.info.Data != nil && !s.info.Data.Insert(uid, clientID, connID) {
		return true, newProtoErr(KindAuthFailure, "replay guard refused connection id")
	}

	s.uid = uid
	s.userKey = userKey
	s.clientID = clientID
	s.connID = connID
	s.clientOverHead = overhead
	s.recvTCPMSS = sendMSS

	lastClientHash := checkHeadHash
	lastServerHash := gotHash
	s.lastClientHash = lastClientHash
	s.lastServerHash = lastServerHash

	material := sessionKeyMaterial(userKey, lastClientHash)
	payload, err := newPayloadCipher(material, lastServerHash[:8], lastClientHash[:8])
	if err != nil {
		return true, err
	}
	s.cipher = payload

	s.recvBuf = s.recvBuf[36:]
	s.hasRecvHeader = true
	return true, nil
}
