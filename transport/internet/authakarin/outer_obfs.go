package authakarin

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
)

// An Obfuscator wraps a finished UDP datagram (already framed and MAC'd
// by udp.go) in a byte-shape chosen to resemble a different, common
// protocol, and unwraps it again on the receive side. This is a purely
// cosmetic outer layer: it never touches the hash chain, the cipher, or
// the authentication tag, so a captured-and-replayed disguised datagram
// is rejected exactly the same way an undisguised one would be.
type Obfuscator interface {
	Wrap(datagram []byte) ([]byte, error)
	Unwrap(data []byte) ([]byte, error)
	Name() string
}

// NewObfuscator builds the disguise selected by mode.
func NewObfuscator(mode ObfuscationMode) Obfuscator {
	switch mode {
	case ObfuscationWebRTCMimic:
		return &webRTCObfuscator{}
	case ObfuscationRaw:
		return &rawObfuscator{}
	default:
		return &quicObfuscator{}
	}
}

var quicVersions = []uint32{
	0x00000001, // QUIC v1, RFC 9000
	0x6B3343CF, // QUIC v2, RFC 9369
}

// quicObfuscator dresses a datagram as a QUIC Initial long header: a
// random Destination/Source Connection ID pair, a zero-length retry
// token, and a QUIC varint payload length in front of the real bytes.
type quicObfuscator struct{}

func (o *quicObfuscator) Name() string { return "quic-mimic" }

func (o *quicObfuscator) Wrap(datagram []byte) ([]byte, error) {
	dcid := make([]byte, 8)
	scid := make([]byte, 8)
	if _, err := rand.Read(dcid); err != nil {
		return nil, err
	}
	if _, err := rand.Read(scid); err != nil {
		return nil, err
	}
	version := quicVersions[mrand.Intn(len(quicVersions))]
	payloadLen := encodeQUICVarint(uint64(len(datagram)))

	out := make([]byte, 0, 1+4+1+8+1+8+1+len(payloadLen)+len(datagram))
	out = append(out, 0xC0) // long header, fixed bit, type=Initial
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	out = append(out, v[:]...)
	out = append(out, byte(len(dcid)))
	out = append(out, dcid...)
	out = append(out, byte(len(scid)))
	out = append(out, scid...)
	out = append(out, 0x00) // token length = 0
	out = append(out, payloadLen...)
	out = append(out, datagram...)
	return out, nil
}

func (o *quicObfuscator) Unwrap(data []byte) ([]byte, error) {
	if len(data) < 7 {
		return nil, E.New("quic-mimic: packet too short")
	}
	off := 1 + 4 // flags + version
	dcidLen := int(data[off])
	off++
	if off+dcidLen > len(data) {
		return nil, E.New("quic-mimic: truncated dcid")
	}
	off += dcidLen
	if off >= len(data) {
		return nil, E.New("quic-mimic: truncated scid length")
	}
	scidLen := int(data[off])
	off++
	if off+scidLen > len(data) {
		return nil, E.New("quic-mimic: truncated scid")
	}
	off += scidLen
	if off >= len(data) {
		return nil, E.New("quic-mimic: truncated token length")
	}
	tokenLen, tokenLenSize, err := decodeQUICVarint(data[off:])
	if err != nil {
		return nil, err
	}
	off += tokenLenSize
	if off+int(tokenLen) > len(data) {
		return nil, E.New("quic-mimic: truncated token")
	}
	off += int(tokenLen)
	if off >= len(data) {
		return nil, E.New("quic-mimic: truncated payload length")
	}
	_, payloadLenSize, err := decodeQUICVarint(data[off:])
	if err != nil {
		return nil, err
	}
	off += payloadLenSize
	return data[off:], nil
}

const (
	dtlsContentTypeApplicationData = 23
	dtlsVersion12Major             = 0xFE
	dtlsVersion12Minor             = 0xFD
)

// webRTCObfuscator dresses a datagram as a DTLS 1.2 application-data
// record, the shape a WebRTC media channel produces continuously.
type webRTCObfuscator struct {
	epoch uint16
}

func (o *webRTCObfuscator) Name() string { return "webrtc-mimic" }

func (o *webRTCObfuscator) Wrap(datagram []byte) ([]byte, error) {
	const headerSize = 1 + 2 + 2 + 6 + 2
	out := make([]byte, headerSize+len(datagram))
	out[0] = dtlsContentTypeApplicationData
	out[1] = dtlsVersion12Major
	out[2] = dtlsVersion12Minor
	binary.BigEndian.PutUint16(out[3:5], o.epoch)

	seq := uint64(time.Now().UnixNano()) & 0xFFFFFFFFFFFF
	for i := 0; i < 6; i++ {
		out[5+i] = byte(seq >> uint(40-8*i))
	}
	binary.BigEndian.PutUint16(out[11:13], uint16(len(datagram)))
	copy(out[13:], datagram)
	return out, nil
}

func (o *webRTCObfuscator) Unwrap(data []byte) ([]byte, error) {
	const headerSize = 13
	if len(data) < headerSize {
		return nil, E.New("webrtc-mimic: record too short")
	}
	if data[0] != dtlsContentTypeApplicationData {
		return nil, E.New("webrtc-mimic: unexpected content type")
	}
	if data[1] != dtlsVersion12Major || data[2] != dtlsVersion12Minor {
		return nil, E.New("webrtc-mimic: unexpected version")
	}
	payloadLen := int(binary.BigEndian.Uint16(data[11:13]))
	if payloadLen > len(data)-headerSize {
		return nil, E.New("webrtc-mimic: declared length exceeds packet")
	}
	return data[headerSize : headerSize+payloadLen], nil
}

type rawObfuscator struct{}

func (o *rawObfuscator) Name() string                         { return "raw" }
func (o *rawObfuscator) Wrap(datagram []byte) ([]byte, error) { return datagram, nil }
func (o *rawObfuscator) Unwrap(data []byte) ([]byte, error)   { return data, nil }

// encodeQUICVarint encodes value using QUIC's 2-bit-length-prefixed
// variable-length integer (RFC 9000 §16).
func encodeQUICVarint(value uint64) []byte {
	switch {
	case value <= 63:
		return []byte{byte(value)}
	case value <= 16383:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(value)|0x4000)
		return buf
	case value <= 1073741823:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(value)|0x80000000)
		return buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value|0xC000000000000000)
		return buf
	}
}

func decodeQUICVarint(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, E.New("quic varint: empty input")
	}
	switch data[0] >> 6 {
	case 0:
		return uint64(data[0] & 0x3F), 1, nil
	case 1:
		if len(data) < 2 {
			return 0, 0, E.New("quic varint: truncated 2-byte form")
		}
		return uint64(binary.BigEndian.Uint16(data[:2]) & 0x3FFF), 2, nil
	case 2:
		if len(data) < 4 {
			return 0, 0, E.New("quic varint: truncated 4-byte form")
		}
		return uint64(binary.BigEndian.Uint32(data[:4]) & 0x3FFFFFFF), 4, nil
	default:
		if len(data) < 8 {
			return 0, 0, E.New("quic varint: truncated 8-byte form")
		}
		return binary.BigEndian.Uint64(data[:8]) & 0x3FFFFFFFFFFFFFFF, 8, nil
	}
}
