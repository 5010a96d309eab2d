package authakarin

import (
	"sync"
	"time"

	bloomring "github.com/v2fly/ss-bloomring"
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultMaxClient = 64
	inactiveAfter    = 10 * time.Minute

	frontWindow    = 64    // on (re-)enable, front = conn_id - frontWindow
	maxJump        = 0x4000
	backSlack      = 0x1000
)

// clientQueue is one (user, client) replay window: the inclusive lower
// and exclusive upper bound of accepted connection_id values, plus the
// set of ids already allocated inside that window.
type clientQueue struct {
	front, back int64
	alloc       map[int64]struct{}
	enable      bool
	refCount    uint32
	lastUpdate  time.Time
}

func newClientQueue(connID int64) *clientQueue {
	return &clientQueue{
		front:      connID - frontWindow,
		back:       connID + 1,
		alloc:      make(map[int64]struct{}),
		enable:     true,
		lastUpdate: time.Now(),
	}
}

func (q *clientQueue) active() bool {
	return q.refCount > 0 && time.Since(q.lastUpdate) < inactiveAfter
}

// insert applies the sliding-window admission rule. Returns false
// (without mutating state further than necessary) when the id is stale,
// an absurd jump, or a duplicate.
func (q *clientQueue) reEnable(connID int64) {
	q.enable = true
	q.front = connID - frontWindow
	q.back = connID + 1
	q.alloc = make(map[int64]struct{})
}

// insert mirrors client_queue.insert from the original line for line,
// including the quirk that last_update is refreshed on every call that
// passes the enable check — successful or not — while ref-count only
// advances on acceptance.
func (q *clientQueue) insert(connID int64) bool {
	if !q.enable {
		return false
	}
	if !q.active() {
		q.reEnable(connID)
	}
	q.lastUpdate = time.Now()

	if connID < q.front {
		return false
	}
	if connID > q.front+maxJump {
		return false
	}
	if _, dup := q.alloc[connID]; dup {
		return false
	}

	if connID+1 > q.back {
		q.back = connID + 1
	}
	q.alloc[connID] = struct{}{}
	for {
		if _, ok := q.alloc[q.front]; ok {
			delete(q.alloc, q.front)
			q.front++
			continue
		}
		if q.front+backSlack < q.back {
			delete(q.alloc, q.front)
			q.front++
			continue
		}
		break
	}
	q.refCount++
	return true
}

func (q *clientQueue) release() {
	if q.refCount > 0 {
		q.refCount--
	}
}

// userTable is the bounded LRU of client queues for a single user_id.
type userTable struct {
	mu        sync.Mutex
	maxClient int
	cache     *lru.Cache
}

func newUserTable(maxClient int) *userTable {
	hardCap := maxClient * 2
	if hardCap < 1024 {
		hardCap = 1024
	}
	cache, _ := lru.New(hardCap)
	return &userTable{maxClient: maxClient, cache: cache}
}

// insert mirrors obfs_auth_akarin_data.insert: a missing or disabled
// entry goes through the capacity gate (below max_client, or the LRU
// front is inactive and gets evicted) even when the entry already
// occupies a slot in the cache, matching the original's unconditional
// re-check rather than special-casing "already present but disabled".
func (t *userTable) insert(clientID uint32, connID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, found := t.cache.Peek(clientID)
	var q *clientQueue
	if found {
		q = v.(*clientQueue)
		if q.enable {
			return q.insert(connID)
		}
	}

	if t.cache.Len() < t.maxClient {
		if !found {
			q = newClientQueue(connID)
		} else {
			q.reEnable(connID)
		}
		t.cache.Add(clientID, q)
		return q.insert(connID)
	}

	oldKey, oldVal, ok := t.cache.RemoveOldest()
	if !ok {
		return false
	}
	oldQ := oldVal.(*clientQueue)
	if oldQ.active() {
		t.cache.Add(oldKey, oldVal)
		return false
	}
	if !found {
		q = newClientQueue(connID)
	} else {
		q.reEnable(connID)
	}
	t.cache.Add(clientID, q)
	return q.insert(connID)
}

func (t *userTable) release(clientID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache.Peek(clientID); ok {
		v.(*clientQueue).release()
	}
}

// ReplayGuard is the server-side, process-global replay defence shared
// across every session of the same listening instance. One ReplayGuard
// per server; sessions only ever see it through Insert/Release.
type ReplayGuard struct {
	mu    sync.Mutex
	users map[uint32]*userTable

	maxClient int

	// bloom is a cheap, probabilistic pre-filter: a "maybe seen"
	// verdict here makes Insert refuse at once, without touching the
	// per-user table or its mutex. A "definitely new" verdict always
	// falls through to the authoritative check. A false positive of the
	// ring therefore refuses a triple it has never recorded.
	bloom *bloomring.BloomRing
}

// NewReplayGuard builds a guard whose per-user LRU capacity is maxClient
// (the protocol_param's leading integer; 0 selects the default of 64).
func NewReplayGuard(maxClient int) *ReplayGuard {
	if maxClient <= 0 {
		maxClient = defaultMaxClient
	}
	return &ReplayGuard{
		users:     make(map[uint32]*userTable),
		maxClient: maxClient,
		bloom:     bloomring.NewBloomRing(),
	}
}

func replayBloomKey(uid uint32, clientID uint32, connID int64) []byte {
	key := make([]byte, 16)
	putLeUint32(key[0:4], uid)
	putLeUint32(key[4:8], clientID)
	putLeUint32(key[8:12], uint32(connID))
	putLeUint32(key[12:16], uint32(connID>>32))
	return key
}

// Insert is the insert(uid, cid, conn_id) operation from the replay
// guard design: get-or-create the per-uid table, then delegate to the
// client queue's own admission rule.
func (g *ReplayGuard) Insert(uid uint32, clientID uint32, connID int64) bool {
	// Check both tests and records the key; true means this exact
	// uid/client/conn_id triple has never passed through the ring
	// before (the same "ok to proceed" polarity as xray-core's
	// antireplay session filters). A "maybe seen" verdict (false) is
	// the cheap fast-reject path: skip the mutex and the per-user table
	// outright, since a triple the ring has already recorded is, at
	// best, an exact replay the authoritative check would refuse
	// anyway. A "definitely new" verdict always still falls through to
	// that authoritative check below — the ring has no notion of the
	// window's front/back/max_jump bounds, only of which exact triples
	// it has already seen, so it can speed up rejection but can never
	// stand in for the real admission decision.
	if !g.bloom.Check(replayBloomKey(uid, clientID, connID)) {
		return false
	}

	g.mu.Lock()
	t, ok := g.users[uid]
	if !ok {
		t = newUserTable(g.maxClient)
		g.users[uid] = t
	}
	g.mu.Unlock()

	return t.insert(clientID, connID)
}

// Release decrements the (uid, clientID) queue's ref-count on session
// dispose, making it evictable once idle past inactiveAfter.
func (g *ReplayGuard) Release(uid uint32, clientID uint32) {
	g.mu.Lock()
	t, ok := g.users[uid]
	g.mu.Unlock()
	if ok {
		t.release(clientID)
	}
}
