// Package directory implements the ring hierarchy: a
// SubRing directory owns one local group of caches and relays their
// traffic to/from one or more Root directories (the address space is
// partitioned across roots, per config.Config.NumRootDirectories), and
// Root mints tokens and drives a DDR channel on a miss. Grounded on
// original_source/arch/mem/zlcoma/Directory.cpp (OnMessageReceivedBottom/
// OnMessageReceivedTop, shortcut-vs-forward) and RootDirectory.cpp.
package directory

import (
	"go.uber.org/zap"

	"github.com/sarchlab/comaring/cache"
	"github.com/sarchlab/comaring/message"
	"github.com/sarchlab/comaring/sim"
)

// MinSpaceShortcut and MinSpaceForward are the deadlock-avoidance slack
// requirements from the original's Directory.h constants. doBottom sends
// every message to its root-bound buffer; it needs MinSpaceShortcut free
// slots there, or only MinSpaceForward when the presence table records
// tokens below for the message's address.
const (
	MinSpaceShortcut = 2
	MinSpaceForward  = 1
)

// residency is what a SubRing directory remembers about a line without
// holding its data: whether some member below is known to hold tokens
// for it, used only to choose the slack a message needs before it is
// passed toward its root. tokensBelow is raised only by NoteGrant.
type residency struct {
	tokensBelow int
}

// SubRing is one local ring's directory: a fixed set of member caches,
// one request/response buffer pair per root directory the address
// space is partitioned across, and a presence table for the lines its
// members hold tokens for.
type SubRing struct {
	id      int
	members []*cache.Cache

	lines map[uint64]*residency

	toRoot   []*sim.Buffer[*message.Message]
	fromRoot []*sim.Buffer[*message.Message]

	log *zap.Logger

	nextMember int // round-robin cursor over members for fairness
	nextRoot   int // round-robin cursor over root ports for doTop fairness
}

// NewSubRing creates a SubRing directory serving members, with numRoots
// up/down buffer pairs (one per root directory) of the given size.
func NewSubRing(id int, members []*cache.Cache, numRoots, rootBufSize int, log *zap.Logger) *SubRing {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SubRing{
		id:      id,
		members: members,
		lines:   make(map[uint64]*residency),
		log:     log,
	}
	for i := 0; i < numRoots; i++ {
		s.toRoot = append(s.toRoot, sim.NewBuffer[*message.Message]("subring.toRoot", rootBufSize))
		s.fromRoot = append(s.fromRoot, sim.NewBuffer[*message.Message]("subring.fromRoot", rootBufSize))
	}
	return s
}

// MemberIDs returns the ring IDs of this sub-ring's member caches, used
// by system wiring to route root responses back to the sub-ring that
// owns the requesting cache.
func (s *SubRing) MemberIDs() []message.CacheID {
	ids := make([]message.CacheID, len(s.members))
	for i, m := range s.members {
		ids[i] = m.ID()
	}
	return ids
}

// NumRootPorts returns how many root directories this sub-ring's
// address space is partitioned across.
func (s *SubRing) NumRootPorts() int { return len(s.toRoot) }

// ToRoot exposes the outgoing (sub-ring -> root) buffer for root port
// idx, for a Root to attach to.
func (s *SubRing) ToRoot(idx int) *sim.Buffer[*message.Message] { return s.toRoot[idx] }

// FromRoot exposes the incoming (root -> sub-ring) buffer for root port
// idx, for a Root to attach to.
func (s *SubRing) FromRoot(idx int) *sim.Buffer[*message.Message] { return s.fromRoot[idx] }

// Processes returns the directory's two processes (bottom: drain member
// caches toward the correct root; top: drain every root port toward
// member caches).
func (s *SubRing) Processes() []sim.Process {
	return []sim.Process{
		sim.NewProcessFunc("subring.bottom", s.doBottom),
		sim.NewProcessFunc("subring.top", s.doTop),
	}
}

// rootFor partitions the address space across attached root ports the
// same way config.Config.Validate requires NumRootDirectories to evenly
// divide L2CacheNumSets: by address modulo the port count.
func (s *SubRing) rootFor(address uint64) int {
	return int(address % uint64(len(s.toRoot)))
}

// doBottom drains one ready member cache's outgoing message per cycle
// (round-robin for fairness) toward the root port that owns its
// address, gated by the deadlock-avoidance slack required for however
// far the message must travel.
func (s *SubRing) doBottom(cycle uint64) sim.Result {
	n := len(s.members)
	if n == 0 || len(s.toRoot) == 0 {
		return sim.Delayed
	}
	blocked := false
	for i := 0; i < n; i++ {
		idx := (s.nextMember + i) % n
		member := s.members[idx]
		out := member.ToDirectory()
		if out.Empty() {
			continue
		}
		msg := out.Front()
		port := s.rootFor(msg.Address)

		needed := MinSpaceShortcut
		if s.isBelow(msg.Address) {
			needed = MinSpaceForward
		}
		if !s.toRoot[port].HasSlack(needed) {
			blocked = true
			continue
		}

		out.Pop()
		s.nextMember = (idx + 1) % n
		s.track(msg)
		s.toRoot[port].Push(msg)
		return sim.Success
	}
	if blocked {
		return sim.Failed
	}
	return sim.Delayed
}

// doTop drains one response from one root port per cycle (round-robin
// across ports) and routes it to the member cache it targets.
func (s *SubRing) doTop(cycle uint64) sim.Result {
	n := len(s.toRoot)
	if n == 0 {
		return sim.Delayed
	}
	blocked := false
	for i := 0; i < n; i++ {
		port := (s.nextRoot + i) % n
		in := s.fromRoot[port]
		if in.Empty() {
			continue
		}
		msg := in.Front()

		var target *cache.Cache
		for _, m := range s.members {
			if m.ID() == msg.Source {
				target = m
				break
			}
		}
		if target == nil {
			s.log.Warn("subring: response addressed to unknown member, dropping",
				zap.Int("subring", s.id), zap.Int("cache", int(msg.Source)))
			in.Pop()
			s.nextRoot = (port + 1) % n
			return sim.Success
		}

		if !target.FromDirectory().HasSlack(1) {
			blocked = true
			continue
		}
		in.Pop()
		s.nextRoot = (port + 1) % n
		target.FromDirectory().Push(msg)
		return sim.Success
	}
	if blocked {
		return sim.Failed
	}
	return sim.Delayed
}

func (s *SubRing) isBelow(address uint64) bool {
	r, ok := s.lines[address]
	return ok && r.tokensBelow > 0
}

// track updates the presence table from an outgoing message so later
// requests for the same line can shortcut/forward correctly.
func (s *SubRing) track(msg *message.Message) {
	switch msg.Type {
	case message.Read, message.AcquireTokens:
		if _, ok := s.lines[msg.Address]; !ok {
			s.lines[msg.Address] = &residency{}
		}
	case message.Eviction:
		delete(s.lines, msg.Address)
	}
}

// NoteGrant records that a response granted tokens to a member,
// keeping the presence table in sync with what members actually hold.
func (s *SubRing) NoteGrant(address uint64, tokens int) {
	if tokens <= 0 {
		return
	}
	r, ok := s.lines[address]
	if !ok {
		r = &residency{}
		s.lines[address] = r
	}
	r.tokensBelow += tokens
}
