package authakarin

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// ServerInfo is the host info struct the external interfaces section
// requires: everything a Session needs from its host proxy to run the
// handshake and framing, configured once via SetServerInfo.
type ServerInfo struct {
	// Key is the server's global pre-shared key, used as the user key
	// when no per-user table is configured (an unknown uid with a
	// configured table falls back to RecvIV instead, see below).
	Key []byte
	// IV and RecvIV are the outer transport's declared IVs; IV seeds the
	// client-side first-packet HMAC check, RecvIV seeds the server-side
	// equivalent and doubles as the unknown-uid fallback key.
	IV     []byte
	RecvIV []byte

	// Overhead is the bytes-per-packet this host's outer encryption
	// adds; factored into every padding-length computation.
	Overhead uint16
	// TCPMSS is the host's configured MSS. A server advertises it (capped
	// at 1500) in its first reply; negotiation updates the Session's own
	// MSS fields and never writes back here.
	TCPMSS uint16

	Client     string
	ClientPort uint16

	// Users maps uid -> user_key for servers with a configured user
	// table; nil/empty means "accept the global Key for any uid".
	Users         map[uint32][]byte
	OnUpdateUser  func(uid uint32)
	ProtocolParam string

	// UnitLen caps the payload-framing chunk size a Session settles on
	// once it learns the negotiated MSS; zero means "use the package
	// default" (see defaultUnitLen).
	UnitLen int

	// Data is the shared, process-global replay guard. Required on the
	// server side; unused on the client.
	Data *ReplayGuard

	// idMu guards localClientID/connectionID below: a client reconnecting
	// through the same ServerInfo reuses local_client_id across attempts
	// and only rolls a fresh one (with a fresh 24-bit starting
	// connection_id) once connection_id exceeds 0xFF000000.
	idMu          sync.Mutex
	localClientID []byte
	connectionID  uint32
}

// nextAuthData builds the client handshake's plaintext auth block: utc
// time, the (possibly freshly rolled) local_client_id, and the next
// connection_id in sequence.
func (info *ServerInfo) nextAuthData() []byte {
	info.idMu.Lock()
	defer info.idMu.Unlock()

	if info.localClientID == nil || info.connectionID > 0xFF000000 {
		info.localClientID = randBytes(4)
		info.connectionID = randUint32() & 0x00FFFFFF
	}
	info.connectionID++

	out := make([]byte, 12)
	putLeUint32(out[0:4], uint32(time.Now().Unix()))
	copy(out[4:8], info.localClientID)
	putLeUint32(out[8:12], info.connectionID)
	return out
}

// maxClientFromParam extracts the protocol_param grammar's leading
// integer (default 64), ignoring any #-delimited suffix.
func maxClientFromParam(param string) int {
	head := param
	if idx := strings.IndexByte(param, '#'); idx >= 0 {
		head = param[:idx]
	}
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || n <= 0 {
		return defaultMaxClient
	}
	return n
}

// uidKeyFromParam parses the client-side "uid:key" pinning grammar.
// ok is false when the grammar doesn't match (no ':' present, or the
// uid half isn't a valid integer), in which case the caller must fall
// back to a random uid and the global server key.
func uidKeyFromParam(param string) (uid uint32, key []byte, ok bool) {
	idx := strings.IndexByte(param, ':')
	if idx < 0 {
		return 0, nil, false
	}
	n, err := strconv.ParseUint(param[:idx], 10, 32)
	if err != nil {
		return 0, nil, false
	}
	return uint32(n), []byte(param[idx+1:]), true
}

// Variant selects between auth_akarin_rand and auth_akarin_spec_a: the
// padding strategy and the handshake's key-derivation salt both depend
// on it, but the framing, hash-chain, and replay-guard logic do not.
type Variant int

const (
	VariantRand Variant = iota
	VariantSpecA
)

func (v Variant) salt() string {
	if v == VariantSpecA {
		return saltSpecA
	}
	return saltRand
}

func (v Variant) String() string {
	if v == VariantSpecA {
		return "auth_akarin_spec_a"
	}
	return "auth_akarin_rand"
}

// VariantFromString parses the two accepted protocol_param plugin names,
// the way the teacher's mode enums expose a FromString alongside String.
func VariantFromString(s string) (Variant, bool) {
	switch s {
	case "auth_akarin_spec_a":
		return VariantSpecA, true
	case "auth_akarin_rand", "":
		return VariantRand, true
	default:
		return VariantRand, false
	}
}

// ObfuscationMode selects the optional outer UDP datagram disguise
// layered on top of the protocol's own framing (see outer_obfs.go).
// Independent of Variant: it never touches the hash chain, the cipher,
// or the handshake, only the bytes actually placed on the wire.
type ObfuscationMode int32

const (
	ObfuscationQUICMimic ObfuscationMode = iota
	ObfuscationWebRTCMimic
	ObfuscationRaw
)

func ObfuscationModeFromString(s string) ObfuscationMode {
	switch s {
	case "webrtc", "webrtc-mimic":
		return ObfuscationWebRTCMimic
	case "raw", "none":
		return ObfuscationRaw
	default:
		return ObfuscationQUICMimic
	}
}

// PriorityMode selects how the outbound scheduler in priority.go
// classifies frames; it only affects ordering, never the wire bytes.
type PriorityMode int32

const (
	PriorityModeNone PriorityMode = iota
	PriorityModeGaming
	PriorityModeStreaming
)

func PriorityModeFromString(s string) PriorityMode {
	switch s {
	case "gaming", "game":
		return PriorityModeGaming
	case "streaming", "stream":
		return PriorityModeStreaming
	default:
		return PriorityModeNone
	}
}

// Config is the transport-level configuration surface: everything a
// host needs to build a ServerInfo and start exchanging sessions.
// Validate clamps out-of-range fields to sane defaults rather than
// erroring, matching the teacher's forgiving config style.
type Config struct {
	Variant  Variant
	Key      []byte
	Overhead uint16
	TCPMSS   uint16

	// MaxClient bounds the per-user replay-guard LRU; 0 selects the
	// default of 64 (mirrors the protocol_param leading integer).
	MaxClient int

	// ProtocolParam is the raw "max_client[#...]" / "uid:key" string,
	// kept around so a session built from this Config can still resolve
	// the client-side uid pinning grammar at handshake time. Pinning only
	// applies when the string starts with the uid itself; a
	// "max_client#uid:key" string pins nothing.
	ProtocolParam string

	// UnitLen caps the payload-framing chunk size oversized writes are
	// split into once the MSS is known (see ServerInfo.UnitLen).
	// Defaults to defaultUnitLen.
	UnitLen int

	// Obfuscation wraps the optional UDP-only outer disguise layer; a
	// no-op on the TCP session path.
	Obfuscation ObfuscationMode

	// Priority selects the Conn outbound scheduler (priority.go);
	// PriorityModeNone leaves Write on its direct, unqueued path.
	Priority PriorityMode
}

func DefaultConfig() *Config {
	return &Config{
		Variant:   VariantRand,
		Overhead:  4,
		TCPMSS:    1460,
		MaxClient: defaultMaxClient,
		UnitLen:   defaultUnitLen,
	}
}

// Validate clamps rather than rejects: a zero or negative MaxClient
// falls back to ProtocolParam's leading integer (or 64 without one), and
// a zero or negative UnitLen to its default, instead of failing config
// load, matching the teacher's Validate()/clamping pattern.
func (c *Config) Validate() error {
	if c.Overhead == 0 {
		c.Overhead = 4
	}
	if c.TCPMSS == 0 {
		c.TCPMSS = 1460
	}
	if c.MaxClient <= 0 {
		if m := maxClientFromParam(c.ProtocolParam); m > 0 {
			c.MaxClient = m
		} else {
			c.MaxClient = defaultMaxClient
		}
	}
	if c.UnitLen <= 0 {
		c.UnitLen = defaultUnitLen
	}
	if len(c.Key) == 0 {
		return newProtoErr(KindAuthFailure, "auth_akarin: missing pre-shared key")
	}
	return nil
}

// NewServerInfo builds the ServerInfo a Session needs, wiring in a fresh
// ReplayGuard sized from this Config (servers only; clients pass a nil
// guard through and never touch it).
func (c *Config) NewServerInfo(iv, recvIV []byte, server bool) *ServerInfo {
	info := &ServerInfo{
		Key:           c.Key,
		IV:            iv,
		RecvIV:        recvIV,
		Overhead:      c.Overhead,
		TCPMSS:        c.TCPMSS,
		ProtocolParam: c.ProtocolParam,
		UnitLen:       c.UnitLen,
	}
	if server {
		info.Data = NewReplayGuard(c.MaxClient)
	}
	return info
}
