// Package presence tracks which sessions are joined to which document and
// fans frames out to them.
package presence

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"quillsync/api/internal/metrics"
)

const defaultShards = 32

// Outbox accepts a frame for asynchronous delivery to one connection. Send
// must not block; it reports false when the frame could not be queued.
type Outbox interface {
	Send(frame []byte) bool
}

// Member is the presence entry of one joined session.
type Member struct {
	SessionID   string
	UserID      string
	DisplayName string
}

// Peer is a joined session's delivery handle.
type Peer struct {
	SessionID string
	Outbox    Outbox
}

// Notify runs while the room is still locked, after the mutation, so frames it
// enqueues reach every recipient in mutation order. It must not block.
type Notify func(snapshot []Member, peers []Peer)

type entry struct {
	Member
	seq uint64
	out Outbox
}

type room struct {
	members map[string]*entry
	nextSeq uint64
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// Registry is the process-wide room table. Rooms on different shards never
// contend; join and leave on one room are serialized by its shard lock.
type Registry struct {
	shards  []*shard
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return NewRegistryWithShards(defaultShards, m)
}

func NewRegistryWithShards(n int, m *metrics.Metrics) *Registry {
	if n < 1 {
		n = 1
	}
	if m == nil {
		m = metrics.Discard()
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{rooms: make(map[string]*room)}
	}
	return &Registry{shards: shards, metrics: m}
}

func (r *Registry) shardFor(documentID string) *shard {
	return r.shards[xxhash.Sum64String(documentID)%uint64(len(r.shards))]
}

// Join adds a session to a document's room, creating the room on first join.
// notify receives the post-join snapshot and every other peer in the room.
// Joining twice with the same session id replaces the earlier entry.
func (r *Registry) Join(documentID string, m Member, out Outbox, notify Notify) []Member {
	sh := r.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rm, ok := sh.rooms[documentID]
	if !ok {
		rm = &room{members: make(map[string]*entry)}
		sh.rooms[documentID] = rm
		r.metrics.Rooms.Inc()
	}
	if _, exists := rm.members[m.SessionID]; !exists {
		r.metrics.Sessions.Inc()
	}
	rm.nextSeq++
	rm.members[m.SessionID] = &entry{Member: m, seq: rm.nextSeq, out: out}

	snapshot := rm.snapshot()
	if notify != nil {
		notify(snapshot, rm.peers(m.SessionID))
	}
	return snapshot
}

// Leave removes a session. When the room empties it is deleted and notify is
// not called; otherwise notify receives the remaining members and peers.
func (r *Registry) Leave(documentID, sessionID string, notify Notify) bool {
	sh := r.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rm, ok := sh.rooms[documentID]
	if !ok {
		return false
	}
	if _, ok := rm.members[sessionID]; !ok {
		return false
	}
	delete(rm.members, sessionID)
	r.metrics.Sessions.Dec()

	if len(rm.members) == 0 {
		delete(sh.rooms, documentID)
		r.metrics.Rooms.Dec()
		return true
	}
	if notify != nil {
		notify(rm.snapshot(), rm.peers(""))
	}
	return true
}

// List returns the room's members in join order; empty for unknown rooms.
func (r *Registry) List(documentID string) []Member {
	sh := r.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rm, ok := sh.rooms[documentID]
	if !ok {
		return []Member{}
	}
	return rm.snapshot()
}

// Broadcast queues frame on every peer in the room except the excluded
// session. Delivery happens outside the room lock; a full outbox affects only
// its own connection. It returns the number of peers that accepted the frame.
func (r *Registry) Broadcast(documentID, exceptSessionID string, frame []byte) int {
	sh := r.shardFor(documentID)
	sh.mu.Lock()
	rm, ok := sh.rooms[documentID]
	var peers []Peer
	if ok {
		peers = rm.peers(exceptSessionID)
	}
	sh.mu.Unlock()

	delivered := 0
	for _, p := range peers {
		if p.Outbox.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Has reports whether a room entry exists for documentID.
func (r *Registry) Has(documentID string) bool {
	sh := r.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.rooms[documentID]
	return ok
}

// Len is the number of live rooms across all shards.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		total += len(sh.rooms)
		sh.mu.Unlock()
	}
	return total
}

func (rm *room) snapshot() []Member {
	entries := make([]*entry, 0, len(rm.members))
	for _, e := range rm.members {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Member, len(entries))
	for i, e := range entries {
		out[i] = e.Member
	}
	return out
}

func (rm *room) peers(exceptSessionID string) []Peer {
	out := make([]Peer, 0, len(rm.members))
	for id, e := range rm.members {
		if id == exceptSessionID {
			continue
		}
		out = append(out, Peer{SessionID: id, Outbox: e.out})
	}
	return out
}
