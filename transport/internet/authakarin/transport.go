package authakarin

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sagernet/sing/common/logger"
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Conn wraps an underlying byte-stream connection with the protocol's
// framing: writes go through the Session's pre-encrypt path, reads
// through its post-decrypt path. Deadlines and addresses simply delegate
// to the wrapped net.Conn; Close also stops the priority drain goroutine
// and disposes the Session before closing it.
type Conn struct {
	net.Conn
	session *Session

	readBuf []byte // leftover decoded plaintext not yet returned to the caller
	ioBuf   []byte // scratch buffer for the underlying Read call

	// pq, when non-nil, reorders concurrent writers ahead of the wire:
	// Write enqueues the caller's bytes instead of encoding them inline,
	// and a dedicated drain goroutine feeds PreEncrypt/the socket in
	// priority order. A queued MSS-renegotiation command always jumps the
	// queue via ForceHigh, matching the comment on OutboundFrame.
	pq     *PriorityQueue
	pqStop chan struct{}

	pqErrMu sync.Mutex
	pqErr   error

	// bw tracks outbound throughput whenever a priority queue is active,
	// so a host can check BandwidthEstimate before deciding whether
	// prioritisation is even worth the reordering cost on this link.
	bw *BandwidthEstimator
}

// NewConn wraps conn with a Session that has already been configured
// via SetServerInfo. The handshake itself is lazy: it rides the first
// Write (client) or the first bytes of the first Read (server).
func NewConn(conn net.Conn, session *Session) *Conn {
	return &Conn{Conn: conn, session: session, ioBuf: make([]byte, 65536)}
}

// enablePriority starts the drain goroutine that consults a PriorityQueue
// ahead of every PreEncrypt call; mode == PriorityModeNone leaves Write
// on its direct, unqueued path.
func (c *Conn) enablePriority(mode PriorityMode) {
	if mode == PriorityModeNone {
		return
	}
	c.pq = NewPriorityQueue(mode)
	c.pqStop = make(chan struct{})
	c.bw = NewBandwidthEstimator()
	go c.drainPriority()
}

// BandwidthEstimate reports the moving-average outbound throughput in
// bytes/sec observed since priority scheduling was enabled, or 0 if it
// never was (direct writes aren't metered).
func (c *Conn) BandwidthEstimate() float64 {
	if c.bw == nil {
		return 0
	}
	return c.bw.Estimate()
}

func (c *Conn) drainPriority() {
	for {
		f := c.pq.DequeueBlocking(c.pqStop)
		if f == nil {
			return
		}
		if _, err := c.writeDirect(f.Data); err != nil {
			c.pqErrMu.Lock()
			c.pqErr = err
			c.pqErrMu.Unlock()
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.pq == nil {
		return c.writeDirect(p)
	}

	c.pqErrMu.Lock()
	err := c.pqErr
	c.pqErrMu.Unlock()
	if err != nil {
		return 0, err
	}

	// pendingCmd is read here without the drain goroutine's involvement;
	// a stale read just misclassifies one frame's lane, it never touches
	// session state directly (only drainPriority ever calls PreEncrypt).
	forceHigh := c.session.pendingCmd
	if !c.pq.Enqueue(p, forceHigh) {
		return 0, newProtoErr(KindBenign, "priority queue full, frame dropped")
	}
	return len(p), nil
}

// writeDirect is the original unqueued Write body: PreEncrypt then push
// straight to the wrapped conn. Both the unqueued Write path and the
// priority drain goroutine call through here.
func (c *Conn) writeDirect(p []byte) (int, error) {
	var (
		out []byte
		err error
	)
	switch c.session.role {
	case RoleClient:
		out, err = c.session.ClientPreEncrypt(p)
	default:
		out, err = c.session.ServerPreEncrypt(p)
	}
	if err != nil && err != ErrRawTrans {
		return 0, err
	}
	if len(out) == 0 {
		return len(p), nil
	}
	if _, werr := c.Conn.Write(out); werr != nil {
		return 0, werr
	}
	if c.bw != nil {
		c.bw.RecordBytes(uint64(len(out)))
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		n, err := c.Conn.Read(c.ioBuf)
		if n > 0 {
			plain, decErr := c.decode(c.ioBuf[:n])
			c.readBuf = append(c.readBuf, plain...)
			if decErr != nil && len(c.readBuf) == 0 {
				return 0, decErr
			}
		}
		if err != nil {
			if len(c.readBuf) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) decode(chunk []byte) ([]byte, error) {
	if c.session.role == RoleClient {
		return c.session.ClientPostDecrypt(chunk)
	}
	plain, sendback, err := c.session.ServerPostDecrypt(chunk)
	if err != nil {
		// On a failed handshake plain carries the poison bytes, which
		// must reach the wire verbatim rather than through PreEncrypt's
		// framing, and must never be mistaken for decoded application
		// data by the caller.
		if len(plain) > 0 {
			_, _ = c.Conn.Write(plain)
		}
		return nil, err
	}
	if sendback {
		// A bare accept with no application data queued still owes the
		// client a reply (the MSS-prefixed first packet); an empty
		// Write drives that through the same path a real write would.
		if _, werr := c.Write(nil); werr != nil {
			return plain, werr
		}
	}
	return plain, nil
}

func (c *Conn) Close() error {
	if c.pqStop != nil {
		close(c.pqStop)
	}
	c.session.Dispose()
	return c.Conn.Close()
}

// Dial opens a TCP connection to address and wraps it as a client
// session configured from cfg.
func Dial(ctx context.Context, network, address string, cfg *Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	info := cfg.NewServerInfo(nil, nil, false)
	session := NewSession(RoleClient, cfg.Variant)
	session.SetServerInfo(info)
	conn := NewConn(raw, session)
	conn.enablePriority(cfg.Priority)
	return conn, nil
}

// WrapServer adapts an accepted net.Conn (from a host's own net.Listener)
// into a framed server-side Conn. guard is the process-global replay
// guard shared across every connection accepted by the same listener.
func WrapServer(raw net.Conn, cfg *Config, guard *ReplayGuard) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info := cfg.NewServerInfo(nil, nil, false)
	info.Data = guard
	session := NewSession(RoleServer, cfg.Variant)
	session.SetServerInfo(info)
	conn := NewConn(raw, session)
	conn.enablePriority(cfg.Priority)
	return conn, nil
}

// Listener wraps a net.Listener, handing out framed server Conns from
// Accept and holding the one ReplayGuard shared across them all.
type Listener struct {
	net.Listener
	cfg   *Config
	guard *ReplayGuard
	log   logger.ContextLogger
}

func Listen(ctx context.Context, network, address string, cfg *Config) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	raw, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{
		Listener: raw,
		cfg:      cfg,
		guard:    NewReplayGuard(cfg.MaxClient),
		log:      defaultLogger(),
	}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return WrapServer(raw, l.cfg, l.guard)
}

// idleTimeout bounds how long Accept's caller should wait for a
// handshake to complete before giving up on a connection that never
// sends one; hosts that want this enforced should SetReadDeadline on
// the returned net.Conn accordingly.
const idleTimeout = 30 * time.Second

// PacketTransport wraps a net.PacketConn with the protocol's single-shot
// UDP framing (udp.go) and, on the server side, a raw-bytes duplicate
// filter ahead of the per-datagram HMAC check. Unlike the TCP Conn above,
// this holds no per-peer Session: every datagram carries its own
// authentication and hash-chain seed, so there is nothing to persist
// between calls.
type PacketTransport struct {
	net.PacketConn
	cfg    *Config
	info   *ServerInfo
	server bool

	// seen is a best-effort filter over raw, pre-auth datagram bytes. A
	// "maybe seen" verdict drops the datagram before its HMAC is
	// computed, the same fast-reject role replay.go's bloom ring plays
	// ahead of its authoritative check; a false positive drops a fresh
	// datagram too. The filter has a fixed capacity and is never cleared:
	// once full, new datagrams are no longer recorded.
	seen *cuckoo.Filter

	obfs Obfuscator
}

// NewPacketTransport wraps conn for UDP framing. The client-side identity
// is passed per call (uid/userKey to WriteToServer, userKey to
// ReadFromServer); server deployments put per-user keys in info.Users.
func NewPacketTransport(conn net.PacketConn, cfg *Config, info *ServerInfo, server bool) *PacketTransport {
	return &PacketTransport{
		PacketConn: conn,
		cfg:        cfg,
		info:       info,
		server:     server,
		seen:       cuckoo.NewFilter(65536),
		obfs:       NewObfuscator(cfg.Obfuscation),
	}
}

// ListenPacket opens a UDP socket and wraps it as a server-side transport.
func ListenPacket(ctx context.Context, network, address string, cfg *Config) (*PacketTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	raw, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	info := cfg.NewServerInfo(nil, nil, true)
	return NewPacketTransport(raw, cfg, info, true), nil
}

// WriteToClient sends a reply datagram to addr, verbatim plaintext in,
// framed and (optionally) disguised bytes out.
func (t *PacketTransport) WriteToClient(plaintext []byte, userKey []byte, addr net.Addr) error {
	body, err := ServerUDPPreEncrypt(t.info, userKey, plaintext)
	if err != nil {
		return err
	}
	wrapped, err := t.obfs.Wrap(body)
	if err != nil {
		return err
	}
	_, err = t.WriteTo(wrapped, addr)
	return err
}

// ReadFromClient reads and unframes one client datagram, returning the
// plaintext, the uid it authenticated as, and the peer address.
func (t *PacketTransport) ReadFromClient(buf []byte) (plaintext []byte, uid uint32, addr net.Addr, err error) {
	n, peer, rerr := t.ReadFrom(buf)
	if rerr != nil {
		return nil, 0, nil, rerr
	}
	raw := buf[:n]

	if t.seen.Lookup(raw) {
		return nil, 0, peer, newProtoErr(KindBenign, "udp: duplicate of a recently seen datagram")
	}
	t.seen.InsertUnique(raw)

	unwrapped, uerr := t.obfs.Unwrap(raw)
	if uerr != nil {
		return nil, 0, peer, uerr
	}

	plain, uidOut, ok := ServerUDPPostDecrypt(t.info, unwrapped)
	if !ok {
		return nil, 0, peer, newProtoErr(KindAuthFailure, "udp: tag mismatch or unknown uid")
	}
	return plain, uidOut, peer, nil
}

// WriteToServer sends one client datagram to addr.
func (t *PacketTransport) WriteToServer(plaintext []byte, uid uint32, userKey []byte, addr net.Addr) error {
	body, err := ClientUDPPreEncrypt(t.info, uid, userKey, plaintext)
	if err != nil {
		return err
	}
	wrapped, err := t.obfs.Wrap(body)
	if err != nil {
		return err
	}
	_, err = t.WriteTo(wrapped, addr)
	return err
}

// ReadFromServer reads and unframes one server reply datagram. A nil
// plaintext with no error is the UDP tag-mismatch policy's silent-drop
// outcome, not a fatal condition.
func (t *PacketTransport) ReadFromServer(buf []byte, userKey []byte) (plaintext []byte, err error) {
	n, _, rerr := t.ReadFrom(buf)
	if rerr != nil {
		return nil, rerr
	}
	unwrapped, uerr := t.obfs.Unwrap(buf[:n])
	if uerr != nil {
		return nil, uerr
	}
	return ClientUDPPostDecrypt(t.info, userKey, unwrapped), nil
}
