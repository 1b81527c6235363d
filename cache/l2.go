// Package cache implements the per-cache coherence state machine and
// ring interface: an L2 cache line tracks tokens and
// dirtiness the way original_source/src/coma/Cache.h's Line struct
// does, with tag/LRU bookkeeping delegated to
// github.com/sarchlab/akita/v4/mem/cache, the same dependency the
// teacher's timing/cache.Cache uses for the same purpose.
//
// A cache does not peer with its ring neighbors directly: all inter-
// cache routing (the ring's shortcut/forward decisions) lives in the
// directory package, so a Cache only ever exchanges messages with the
// sub-ring directory it is a member of, across one request buffer (up)
// and one response buffer (down).
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
	"go.uber.org/zap"

	"github.com/sarchlab/comaring/message"
	"github.com/sarchlab/comaring/sim"
)

// Callback is the memory client interface a processor registers with a
// Cache: notifications the cache drives, never concurrently with the
// client's own process (the cache's internal bus arbitrator serializes
// them).
type Callback interface {
	// OnReadComplete delivers the data for a prior Read.
	OnReadComplete(client int, writeID uint64, address uint64, data []byte)
	// OnWriteComplete acknowledges a prior Write.
	OnWriteComplete(client int, writeID uint64, address uint64)
	// OnMemoryInvalidated reports that the cache is about to evict
	// address; the client must drop any cached state at line
	// granularity.
	OnMemoryInvalidated(address uint64)
	// OnMemorySnooped reports that a peer client registered on the same
	// cache is writing address. Implementations may update a local
	// mirror. Returning false refuses the snoop, deferring the write.
	OnMemorySnooped(address uint64, data []byte) bool
}

// Metrics is the subset of the observability surface a Cache reports
// through; system wiring supplies the prometheus-backed implementation.
type Metrics interface {
	CacheHit(cacheID int)
	CacheMiss(cacheID int)
	CacheEviction(cacheID int)
}

type clientRequest struct {
	client  int
	writeID uint64
	address uint64
	write   bool
	data    []byte
	mask    []bool
	snooped bool // write already cleared snoop-before-admission this attempt
}

// Cache is one L2 cache member of a ring.
type Cache struct {
	id            message.CacheID
	lineSize      int
	associativity int
	numTokens     int

	dir  *akitacache.DirectoryImpl
	data [][]byte
	meta []*Line

	msb *MSB

	clients []Callback // client_id -> callback; nil slot is unregistered
	busArb  *sim.Arbitrator

	metrics Metrics
	log     *zap.Logger

	toDirectory   *sim.Buffer[*message.Message]
	fromDirectory *sim.Buffer[*message.Message]
	clientQueue   *sim.Buffer[*clientRequest]

	pending map[uint64][]*clientRequest // requests blocked on a line reaching FULL with enough tokens
	loading map[uint64]bool             // addresses with an outstanding ring request

	pClient *sim.ProcessFunc
	pIn     *sim.ProcessFunc
}

// New creates a Cache with numSets x associativity lines of lineSize
// bytes, numTokens being NUM_TOKENS (config.Config.NumTokens()), and a
// client registry sized by numClients (config.Config.NumProcessorsPerCache),
// the bus arbitrator's width.
func New(id message.CacheID, numSets, associativity, lineSize, numTokens, msbSize int, requestBufSize, responseBufSize, numClients int, metrics Metrics, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	total := numSets * associativity
	data := make([][]byte, total)
	meta := make([]*Line, total)
	for i := range data {
		data[i] = make([]byte, lineSize)
		meta[i] = &Line{}
		meta[i].reset(lineSize)
	}

	c := &Cache{
		id:            id,
		lineSize:      lineSize,
		associativity: associativity,
		numTokens:     numTokens,
		dir: akitacache.NewDirectory(
			numSets, associativity, lineSize, akitacache.NewLRUVictimFinder(),
		),
		data:          data,
		meta:          meta,
		msb:           NewMSB(msbSize),
		clients:       make([]Callback, numClients),
		metrics:       metrics,
		log:           log,
		toDirectory:   sim.NewBuffer[*message.Message]("cache.toDirectory", requestBufSize),
		fromDirectory: sim.NewBuffer[*message.Message]("cache.fromDirectory", responseBufSize),
		clientQueue:   sim.NewBuffer[*clientRequest]("cache.clientQueue", requestBufSize),
		pending:       make(map[uint64][]*clientRequest),
		loading:       make(map[uint64]bool),
	}
	c.pClient = sim.NewProcessFunc("cache.client", c.doClient)
	c.pIn = sim.NewProcessFunc("cache.in", c.doIncoming)
	// Incoming beats local, matching p_lines's fixed priority; the bus
	// arbitrator reuses the same ordering for client callbacks.
	c.busArb = sim.NewArbitrator(fmt.Sprintf("cache[%d].bus", id))
	c.busArb.AddProcess(c.pIn)
	c.busArb.AddProcess(c.pClient)
	return c
}

// ID returns the cache's ring position.
func (c *Cache) ID() message.CacheID { return c.id }

// ToDirectory exposes the outgoing (cache -> directory) buffer, for the
// directory to drain.
func (c *Cache) ToDirectory() *sim.Buffer[*message.Message] { return c.toDirectory }

// FromDirectory exposes the incoming (directory -> cache) buffer, for
// the directory to push responses into.
func (c *Cache) FromDirectory() *sim.Buffer[*message.Message] { return c.fromDirectory }

// Processes returns the cache's two processes, in the priority order a
// caller should register them with an Engine.
func (c *Cache) Processes() []sim.Process {
	return []sim.Process{c.pIn, c.pClient}
}

// RegisterClient installs cb in the first free client_id slot,
// [0, clients_per_cache). Returns false if every slot is taken.
func (c *Cache) RegisterClient(cb Callback) (int, bool) {
	for i, existing := range c.clients {
		if existing == nil {
			c.clients[i] = cb
			return i, true
		}
	}
	return 0, false
}

// UnregisterClient frees client_id for reuse. Unregistering an id that
// is not currently registered is a no-op.
func (c *Cache) UnregisterClient(clientID int) {
	if clientID >= 0 && clientID < len(c.clients) {
		c.clients[clientID] = nil
	}
}

func (c *Cache) callbackFor(clientID int) Callback {
	if clientID < 0 || clientID >= len(c.clients) {
		return nil
	}
	return c.clients[clientID]
}

func (c *Cache) blockIndex(b *akitacache.Block) int {
	return b.SetID*c.associativity + b.WayID
}

// Read requests the data at address (a cache-line address, i.e. byte
// address / line size) on behalf of a registered client. Returns false if client is
// not registered or the client queue is full.
func (c *Cache) Read(client int, writeID, address uint64) bool {
	if c.callbackFor(client) == nil {
		return false
	}
	return c.clientQueue.Push(&clientRequest{client: client, writeID: writeID, address: address})
}

// Write requests that data be merged (under mask) into address on
// behalf of a registered client.
func (c *Cache) Write(client int, writeID, address uint64, data []byte, mask []bool) bool {
	if c.callbackFor(client) == nil {
		return false
	}
	return c.clientQueue.Push(&clientRequest{client: client, writeID: writeID, address: address, write: true, data: data, mask: mask})
}

func (c *Cache) lookup(address uint64) (*akitacache.Block, *Line, []byte) {
	tag := address * uint64(c.lineSize)
	block := c.dir.Lookup(0, tag)
	if block == nil {
		return nil, nil, nil
	}
	idx := c.blockIndex(block)
	return block, c.meta[idx], c.data[idx]
}

// acquireBus wins the cache's client-callback bus for this cycle on
// behalf of proc, or reports failure if another process already holds
// it. Every call site that is about to invoke a client callback must
// check this first, before mutating any state, so a denied process can
// retry cleanly next cycle.
func (c *Cache) acquireBus(cycle uint64, proc sim.Process) bool {
	return c.busArb.Invoke(cycle, proc)
}

// snoopWrite broadcasts a pending write to every registered client on
// this cache other than the originator, before the write is allowed to
// affect any cache state. A single refusal defers the whole write.
// Idempotent: the cache does not re-snoop once an attempt has already
// cleared every peer for this request.
func (c *Cache) snoopWrite(cycle uint64, req *clientRequest) bool {
	if req.snooped {
		return true
	}
	if !c.acquireBus(cycle, c.pClient) {
		return false
	}
	for id, cb := range c.clients {
		if cb == nil || id == req.client {
			continue
		}
		if !cb.OnMemorySnooped(req.address, req.data) {
			return false
		}
	}
	req.snooped = true
	return true
}

func (c *Cache) doClient(cycle uint64) sim.Result {
	if c.clientQueue.Empty() {
		return sim.Delayed
	}
	req := c.clientQueue.Front()

	if req.write && !c.snoopWrite(cycle, req) {
		return sim.Failed
	}

	block, line, data := c.lookup(req.address)
	ready := block != nil && block.IsValid && line.State == StateFull && line.Tokens > 0 &&
		(!req.write || line.Tokens == c.numTokens)

	if ready {
		if !c.acquireBus(cycle, c.pClient) {
			return sim.Failed
		}
		c.clientQueue.Pop()
		if c.metrics != nil {
			c.metrics.CacheHit(int(c.id))
		}
		if req.write {
			for i, ok := range req.mask {
				if ok {
					data[i] = req.data[i]
				}
			}
			line.Dirty = true
			block.IsDirty = true
			if cb := c.callbackFor(req.client); cb != nil {
				cb.OnWriteComplete(req.client, req.writeID, req.address)
			}
		} else {
			out := make([]byte, c.lineSize)
			copy(out, data)
			if cb := c.callbackFor(req.client); cb != nil {
				cb.OnReadComplete(req.client, req.writeID, req.address, out)
			}
		}
		return sim.Success
	}

	if c.metrics != nil {
		c.metrics.CacheMiss(int(c.id))
	}

	if c.loading[req.address] {
		// Already fetching or upgrading this line; queue behind it. The
		// triggering request already wrote in place, so later writes
		// for the same line merge through the MSB and ack when the
		// round trip lands.
		if req.write {
			if !c.msb.Push(req.address, req.data, req.mask, req.client, req.writeID) {
				c.log.Warn("merge-store buffer full, write delayed", zap.Uint64("address", req.address))
				return sim.Failed
			}
			c.clientQueue.Pop()
			return sim.Success
		}
		c.clientQueue.Pop()
		c.pending[req.address] = append(c.pending[req.address], req)
		return sim.Success
	}

	if block != nil && block.IsValid && line.State == StateFull {
		// Resident but short on tokens: a write needing exclusivity
		// that does not yet have it.
		if line.Pinned() {
			return sim.Failed
		}
		if c.msb.Locked(req.address) {
			return sim.Failed
		}
		msg := &message.Message{
			Type:    message.AcquireTokens,
			Address: req.address,
			Source:  c.id,
			Tokens:  c.numTokens - line.Tokens,
		}
		if !c.toDirectory.Push(msg) {
			return sim.Failed
		}
		// Write data in place immediately; the round trip is only for
		// the remaining tokens, not for the bytes themselves.
		for i, ok := range req.mask {
			if ok {
				data[i] = req.data[i]
			}
		}
		line.Dirty = true
		block.IsDirty = true
		line.State = StateLoading
		line.Updating++
		c.loading[req.address] = true
		c.clientQueue.Pop()
		c.pending[req.address] = append(c.pending[req.address], req)
		return sim.Success
	}

	victimLine, victimData, ok := c.allocate(cycle, req.address)
	if !ok {
		return sim.Failed
	}

	msgType := message.Read
	tokens := c.numTokens
	if req.write {
		msgType = message.AcquireTokens
	}
	msg := &message.Message{
		Type:    msgType,
		Address: req.address,
		Source:  c.id,
		Tokens:  tokens,
	}
	if !c.toDirectory.Push(msg) {
		return sim.Failed
	}

	if req.write {
		// Write the requested bytes in place now; the rest of the line
		// is still unknown until the response lands.
		for i, ok := range req.mask {
			if ok {
				victimData[i] = req.data[i]
				victimLine.Valid[i] = true
			}
		}
		victimLine.Dirty = true
	}

	victimLine.State = StateLoading
	c.loading[req.address] = true
	c.clientQueue.Pop()
	c.pending[req.address] = append(c.pending[req.address], req)
	return sim.Success
}

// allocate finds (evicting if necessary) the line that will hold
// address, never choosing a pinned line as victim. On eviction, every
// registered client is notified via OnMemoryInvalidated before the
// victim is marked EMPTY.
func (c *Cache) allocate(cycle uint64, address uint64) (*Line, []byte, bool) {
	tag := address * uint64(c.lineSize)
	victim := c.dir.FindVictim(tag)
	if victim == nil {
		return nil, nil, false
	}
	idx := c.blockIndex(victim)
	line := c.meta[idx]
	if line.Pinned() {
		return nil, nil, false
	}

	if victim.IsValid && line.Tokens > 0 {
		if !c.acquireBus(cycle, c.pClient) {
			return nil, nil, false
		}
		if c.metrics != nil {
			c.metrics.CacheEviction(int(c.id))
		}
		victimAddress := victim.Tag / uint64(c.lineSize)
		ev := &message.Message{
			Type:    message.Eviction,
			Address: victimAddress,
			Source:  c.id,
			Tokens:  line.Tokens,
			Dirty:   line.Dirty,
			Data:    append([]byte(nil), c.data[idx]...),
		}
		if !c.toDirectory.Push(ev) {
			return nil, nil, false
		}
		for _, cb := range c.clients {
			if cb != nil {
				cb.OnMemoryInvalidated(victimAddress)
			}
		}
	}

	line.reset(c.lineSize)
	victim.Tag = tag
	victim.IsValid = true
	victim.IsDirty = false
	c.dir.Visit(victim)
	return line, c.data[idx], true
}

func (c *Cache) doIncoming(cycle uint64) sim.Result {
	if c.fromDirectory.Empty() {
		return sim.Delayed
	}
	msg := c.fromDirectory.Front()

	switch msg.Type {
	case message.ResponseRead, message.ResponseForward:
		_, line, data := c.lookup(msg.Address)
		if line == nil {
			return sim.Failed
		}
		if !c.acquireBus(cycle, c.pIn) {
			return sim.Failed
		}

		for i := range data {
			if line.Valid[i] {
				// A local in-place write already landed on this byte;
				// it takes precedence over whatever the ring brings
				// back.
				continue
			}
			if len(msg.Bitmask) == len(data) && !msg.Bitmask[i] {
				continue
			}
			data[i] = msg.Data[i]
			line.Valid[i] = true
		}
		line.Tokens += msg.Tokens
		line.Transient = msg.Transient
		line.Priority = line.Priority || msg.Priority
		line.Dirty = line.Dirty || msg.Dirty
		line.Hops = 0
		line.Updating = 0
		line.State = StateFull

		drained := c.msb.Drain(msg.Address, data, line)
		delete(c.loading, msg.Address)

		for _, req := range c.pending[msg.Address] {
			if req.write {
				if cb := c.callbackFor(req.client); cb != nil {
					cb.OnWriteComplete(req.client, req.writeID, req.address)
				}
			} else if cb := c.callbackFor(req.client); cb != nil {
				out := make([]byte, c.lineSize)
				copy(out, data)
				cb.OnReadComplete(req.client, req.writeID, req.address, out)
			}
		}
		delete(c.pending, msg.Address)

		if drained != nil {
			for _, w := range drained.queue {
				if cb := c.callbackFor(w.client); cb != nil {
					cb.OnWriteComplete(w.client, w.writeID, msg.Address)
				}
			}
		}

	case message.RequestKillTokens:
		_, line, _ := c.lookup(msg.Address)
		if line == nil {
			return sim.Failed
		}
		line.Tokens -= msg.Tokens
		if line.Tokens <= 0 {
			line.Tokens = 0
			line.State = StateEmpty
		}

	default:
		c.log.Warn("cache received unexpected message type on response port", zap.String("type", msg.Type.String()))
	}

	c.fromDirectory.Pop()
	return sim.Success
}
