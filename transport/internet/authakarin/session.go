package authakarin

import (
	"github.com/sagernet/sing/common/logger"
)

const defaultUnitLen = 2800

// Role distinguishes which half of the handshake a Session plays; every
// encode/decode pair behaves differently depending on it.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Session is the single stateful object a host proxy talks to: one per
// logical connection, owning the hash-chain heads, the payload cipher,
// the framing counters, and the reassembly buffer. Every exported
// method here corresponds to one row of the external-interfaces table.
type Session struct {
	role    Role
	variant Variant
	tables  *dataSizeTables

	info *ServerInfo

	uid     uint32
	userKey []byte

	// clientID/connID are only meaningful server-side: the values parsed
	// out of the client's handshake header, kept around so Dispose can
	// release the right replay-guard entry.
	clientID uint32
	connID   int64

	lastClientHash []byte
	lastServerHash []byte

	packID uint32
	recvID uint32

	cipher *payloadCipher

	sendTCPMSS     uint16
	recvTCPMSS     uint16
	newSendTCPMSS  uint16
	clientOverHead uint16

	hasSentHeader bool
	hasRecvHeader bool
	rawTrans      bool

	// pendingCmd collapses send_back_cmd's queue to a single flag: this
	// protocol only ever defines one command, so a queue of depth >1 is
	// never observable on the wire.
	pendingCmd bool

	recvBuf []byte
	unitLen int

	// unitLenCeiling bounds what handshake/MSS negotiation is allowed to
	// grow unitLen to; defaults to defaultUnitLen, overridable per
	// ServerInfo.UnitLen.
	unitLenCeiling int

	disposed bool

	log logger.ContextLogger
}

// NewSession builds a fresh Session for the given role and variant. The
// host must still call SetServerInfo before the first encode/decode.
func NewSession(role Role, variant Variant) *Session {
	return &Session{
		role:           role,
		variant:        variant,
		packID:         1,
		recvID:         1,
		unitLen:        defaultUnitLen,
		unitLenCeiling: defaultUnitLen,
		log:            defaultLogger(),
	}
}

// SetServerInfo wires the host info struct in, and for auth_akarin_spec_a
// derives the two padding-target tables from the server's global key.
func (s *Session) SetServerInfo(info *ServerInfo) {
	s.info = info
	if s.variant == VariantSpecA {
		s.tables = buildDataSizeTables(info.Key)
	}
	if info.UnitLen > 0 {
		s.unitLenCeiling = info.UnitLen
	}
}

// GetOverhead is fixed at 4 bytes (the MAC tag) regardless of direction;
// the parameter exists only to match the host interface's shape.
func (s *Session) GetOverhead(bool) uint16 { return 4 }

// Dispose releases this session's replay-guard reference. Safe to call
// more than once; only the first call has an effect.
func (s *Session) Dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	if s.role == RoleServer && s.info != nil && s.info.Data != nil {
		s.info.Data.Release(s.uid, s.clientID)
	}
}

// ClientPreEncrypt frames an outbound write, emitting the handshake on
// the very first call and ordinary data frames afterward, splitting
// oversized writes at unitLen.
func (s *Session) ClientPreEncrypt(buf []byte) ([]byte, error) {
	var out []byte
	if !s.hasSentHeader {
		headSize := headSizeOf(buf, headSizeDefault)
		n := randIntn(32) + headSize
		if n > len(buf) {
			n = len(buf)
		}
		packed, err := s.buildHandshakePacket(buf[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, packed...)
		buf = buf[n:]
		s.hasSentHeader = true
	}
	for len(buf) > s.unitLen {
		frame, err := s.encodeClientFrame(buf[:s.unitLen])
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
		buf = buf[s.unitLen:]
	}
	frame, err := s.encodeClientFrame(buf)
	if err != nil {
		return nil, err
	}
	return append(out, frame...), nil
}

func (s *Session) encodeClientFrame(buf []byte) ([]byte, error) {
	hasCmd := s.pendingCmd
	s.pendingCmd = false
	frame, hash := packFrame(buf, s.userKey, s.packID, s.lastClientHash, s.cipher,
		s.info.Overhead, s.sendTCPMSS, s.sendTCPMSS, s.tables, cmdMSSRenegotiate, hasCmd)
	s.lastClientHash = hash
	s.packID++
	return frame, nil
}

// ClientPostDecrypt consumes bytes from the server, stripping the first
// packet's MSS prefix and queuing the 0xff00 renegotiation command for
// the next outbound frame, then unframes as many complete data packets
// as the buffer holds.
func (s *Session) ClientPostDecrypt(buf []byte) ([]byte, error) {
	if s.rawTrans {
		return nil, ErrRawTrans
	}
	s.recvBuf = append(s.recvBuf, buf...)

	if !s.hasRecvHeader {
		if len(s.recvBuf) < 2 {
			return nil, nil
		}
		s.recvTCPMSS = leUint16(s.recvBuf[0:2])
		s.recvBuf = s.recvBuf[2:]
		s.hasRecvHeader = true
		s.pendingCmd = true
	}

	var out []byte
	for {
		plain, consumed, _, newHash, err := unpackFrame(s.recvBuf, s.userKey, s.recvID, s.lastServerHash,
			s.cipher, s.info.Overhead, s.recvTCPMSS, s.sendTCPMSS, s.tables)
		if err == errNeedMore {
			break
		}
		if err != nil {
			s.rawTrans = true
			s.recvBuf = nil
			return out, err
		}
		s.recvBuf = s.recvBuf[consumed:]
		s.lastServerHash = newHash
		s.recvID++
		out = append(out, plain...)
	}
	return out, nil
}

// ServerPreEncrypt frames an outbound server write, prepending the
// negotiated MSS on the very first outgoing packet.
func (s *Session) ServerPreEncrypt(buf []byte) ([]byte, error) {
	if s.rawTrans {
		return nil, ErrRawTrans
	}
	wasFirst := s.packID == 1

	var out []byte
	if wasFirst {
		mss := s.info.TCPMSS
		if mss == 0 || mss > 1500 {
			mss = 1500
		}
		var b [2]byte
		putLeUint16(b[:], mss)
		out = append(out, b[:]...)
		s.newSendTCPMSS = mss
		if s.sendTCPMSS == 0 {
			s.sendTCPMSS = mss
		}
	}

	for len(buf) > s.unitLen {
		frame, err := s.encodeServerFrame(buf[:s.unitLen])
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
		buf = buf[s.unitLen:]
	}
	frame, err := s.encodeServerFrame(buf)
	if err != nil {
		return nil, err
	}
	out = append(out, frame...)

	if wasFirst {
		s.sendTCPMSS = s.newSendTCPMSS
		s.unitLen = int(s.info.TCPMSS) - int(s.clientOverHead)
		if s.unitLen <= 0 || s.unitLen > s.unitLenCeiling {
			s.unitLen = s.unitLenCeiling
		}
	}
	return out, nil
}

func (s *Session) encodeServerFrame(buf []byte) ([]byte, error) {
	frame, hash := packFrame(buf, s.userKey, s.packID, s.lastServerHash, s.cipher,
		s.info.Overhead, s.sendTCPMSS, s.sendTCPMSS, s.tables, 0, false)
	s.lastServerHash = hash
	s.packID++
	return frame, nil
}

// ServerPostDecrypt consumes handshake bytes on the first call (wiring
// up the cipher, user key, and replay-guard admission), then unframes
// ordinary data packets, honouring a 0xff00 prefix by collapsing
// recv_tcp_mss onto send_tcp_mss as the original's mid-stream
// renegotiation does. sendback reports whether the host must emit a
// reply even if it has no application data queued (true right after a
// freshly accepted handshake).
func (s *Session) ServerPostDecrypt(buf []byte) (plain []byte, sendback bool, err error) {
	if s.rawTrans {
		return nil, false, ErrRawTrans
	}
	s.recvBuf = append(s.recvBuf, buf...)

	if !s.hasRecvHeader {
		handled, herr := s.parseHandshakeHeader()
		if !handled {
			return nil, false, nil
		}
		if herr != nil {
			s.rawTrans = true
			poison := make([]byte, poisonLen)
			for i := range poison {
				poison[i] = 'E'
			}
			return poison, true, herr
		}
		sendback = true
	}

	var out []byte
	for {
		p, consumed, hasCmd, newHash, uerr := unpackFrame(s.recvBuf, s.userKey, s.recvID, s.lastClientHash,
			s.cipher, s.info.Overhead, s.recvTCPMSS, s.sendTCPMSS, s.tables)
		if uerr == errNeedMore {
			break
		}
		if uerr != nil {
			s.rawTrans = true
			s.recvBuf = nil
			return out, sendback, uerr
		}
		s.recvBuf = s.recvBuf[consumed:]
		s.lastClientHash = newHash
		s.recvID++
		if hasCmd {
			s.recvTCPMSS = s.sendTCPMSS
		}
		out = append(out, p...)
	}
	return out, sendback, nil
}
