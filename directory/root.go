package directory

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
	"go.uber.org/zap"

	"github.com/sarchlab/comaring/ddr"
	"github.com/sarchlab/comaring/message"
	"github.com/sarchlab/comaring/sim"
)

// rootLine is the authoritative per-line state a Root directory keeps:
// the token count currently at rest here (not lent to any cache) and
// the last known-good data, grounded on RootDirectory.h's Line struct
// (valid/tag/tokens) plus a data copy standing in for the home-node
// role the original gives the combination of root directory + DDR.
type rootLine struct {
	tokensHeld int
	dirty      bool
	waiters    []*message.Message // requests queued while tokensHeld was insufficient
}

// Metrics is the subset of the observability surface a Root reports
// through.
type Metrics interface {
	TokensOutstanding(delta int)
	DDRCommand()
}

// Root is one root directory: the token-minting authority for the
// address range routed to it, backed by one DDR channel.
type Root struct {
	id        int
	lineSize  int
	numTokens int

	dir  *akitacache.DirectoryImpl
	meta []*rootLine
	data [][]byte

	channel *ddr.Channel
	metrics Metrics
	log     *zap.Logger

	inputs       []*sim.Buffer[*message.Message]
	outputs      []*sim.Buffer[*message.Message]
	cacheToInput map[message.CacheID]int

	pendingFetch map[uint64]*message.Message

	nextInput int
}

// NewRoot creates a Root directory with numSets x associativity lines
// (associativity should be L2CacheAssociativity * NumL2CachesPerRing,
// per the original's RootDirectory constructor) and lineSize bytes per
// line, driving channel for misses.
func NewRoot(id, numSets, associativity, lineSize, numTokens int, channel *ddr.Channel, metrics Metrics, log *zap.Logger) *Root {
	if log == nil {
		log = zap.NewNop()
	}
	total := numSets * associativity
	data := make([][]byte, total)
	meta := make([]*rootLine, total)
	for i := range data {
		data[i] = make([]byte, lineSize)
		meta[i] = &rootLine{}
	}
	return &Root{
		id:           id,
		lineSize:     lineSize,
		numTokens:    numTokens,
		dir:          akitacache.NewDirectory(numSets, associativity, lineSize, akitacache.NewLRUVictimFinder()),
		meta:         meta,
		data:         data,
		channel:      channel,
		metrics:      metrics,
		log:          log,
		cacheToInput: make(map[message.CacheID]int),
		pendingFetch: make(map[uint64]*message.Message),
	}
}

// SetChannel attaches the DDR channel backing this root. Separated from
// NewRoot because the channel's callback is the Root itself, so the two
// must be constructed in sequence rather than each depending on the
// other at construction time.
func (r *Root) SetChannel(channel *ddr.Channel) { r.channel = channel }

// Attach wires one sub-ring's root port as this Root's input/output
// port index idx (a Root may serve more than one sub-ring, each at its
// own idx), and records which cache IDs route through that port.
func (r *Root) Attach(idx int, sr *SubRing, port int) {
	for len(r.inputs) <= idx {
		r.inputs = append(r.inputs, nil)
		r.outputs = append(r.outputs, nil)
	}
	r.inputs[idx] = sr.ToRoot(port)
	r.outputs[idx] = sr.FromRoot(port)
	for _, id := range sr.MemberIDs() {
		r.cacheToInput[id] = idx
	}
}

// Processes returns the root directory's single incoming-message
// process.
func (r *Root) Processes() []sim.Process {
	return []sim.Process{sim.NewProcessFunc("root.incoming", r.doIncoming)}
}

func (r *Root) blockIndex(b *akitacache.Block, associativity int) int {
	return b.SetID*associativity + b.WayID
}

func (r *Root) associativity() int {
	sets := r.dir.GetSets()
	if len(sets) == 0 {
		return 1
	}
	return len(sets[0].Blocks)
}

func (r *Root) doIncoming(cycle uint64) sim.Result {
	n := len(r.inputs)
	if n == 0 {
		return sim.Delayed
	}
	for i := 0; i < n; i++ {
		idx := (r.nextInput + i) % n
		in := r.inputs[idx]
		if in == nil || in.Empty() {
			continue
		}
		msg := in.Front()
		if r.handle(msg) {
			in.Pop()
			r.nextInput = (idx + 1) % n
			return sim.Success
		}
		return sim.Failed
	}
	return sim.Delayed
}

func (r *Root) reply(msg *message.Message) bool {
	idx, ok := r.cacheToInput[msg.Source]
	if !ok || r.outputs[idx] == nil {
		r.log.Warn("root: no route for reply", zap.Int("cache", int(msg.Source)))
		return true // drop rather than wedge the pipeline
	}
	return r.outputs[idx].Push(msg)
}

func (r *Root) handle(msg *message.Message) bool {
	switch msg.Type {
	case message.Read, message.AcquireTokens:
		return r.handleRequest(msg)
	case message.Eviction:
		return r.handleEviction(msg)
	case message.LocalDirNotification:
		// Transient tokens are already granted as permanent in this
		// model (no partial-transient bookkeeping at the root), so
		// settlement notifications are a no-op beyond logging.
		r.log.Debug("root: local dir notification", zap.Uint64("address", msg.Address))
		return true
	default:
		r.log.Warn("root: unexpected message type", zap.String("type", msg.Type.String()))
		return true
	}
}

func (r *Root) handleRequest(msg *message.Message) bool {
	tag := msg.Address * uint64(r.lineSize)
	block := r.dir.Lookup(0, tag)

	if block == nil {
		return r.handleMiss(msg, tag)
	}

	idx := r.blockIndex(block, r.associativity())
	line := r.meta[idx]

	want := msg.Tokens
	if want <= 0 {
		want = r.numTokens
	}
	if line.tokensHeld <= 0 {
		line.waiters = append(line.waiters, msg)
		return true
	}

	grant := want
	if grant > line.tokensHeld {
		grant = line.tokensHeld
	}

	resp := &message.Message{
		Type:      message.ResponseRead,
		Address:   msg.Address,
		Source:    msg.Source,
		Tokens:    grant,
		Priority:  line.tokensHeld-grant == 0,
		Dirty:     line.dirty,
		Data:      append([]byte(nil), r.data[idx]...),
		Bitmask:   allValid(r.lineSize),
		Transient: false,
	}
	if !r.reply(resp) {
		return false
	}
	line.tokensHeld -= grant
	if r.metrics != nil {
		r.metrics.TokensOutstanding(grant)
	}
	r.dir.Visit(block)
	return true
}

func (r *Root) handleMiss(msg *message.Message, tag uint64) bool {
	if _, pending := r.pendingFetch[msg.Address]; pending {
		// Already fetching this line from DDR; refuse the message so it
		// stays at the head of its input and is retried.
		return false
	}

	victim := r.dir.FindVictim(tag)
	if victim == nil {
		return false
	}
	idx := r.blockIndex(victim, r.associativity())
	line := r.meta[idx]
	if victim.IsValid && line.tokensHeld < r.numTokens {
		// Can't evict a root line while tokens are still out in the
		// system: stall until an eviction returns them all.
		return false
	}

	if !r.channel.Read(msg.Address*uint64(r.lineSize), uint64(r.lineSize)) {
		return false
	}

	victim.Tag = tag
	victim.IsValid = true
	victim.IsDirty = false
	r.dir.Visit(victim)
	line.tokensHeld = 0
	line.dirty = false
	line.waiters = nil

	if r.metrics != nil {
		r.metrics.DDRCommand()
	}
	r.pendingFetch[msg.Address] = msg
	return true
}

// OnReadCompleted implements ddr.Callback: a DDR fetch for a
// previously-missed line has landed.
func (r *Root) OnReadCompleted(address uint64, data []byte) {
	lineAddr := address / uint64(r.lineSize)
	req, ok := r.pendingFetch[lineAddr]
	if !ok {
		return
	}
	delete(r.pendingFetch, lineAddr)

	tag := lineAddr * uint64(r.lineSize)
	block := r.dir.Lookup(0, tag)
	if block == nil {
		r.log.Error("root: DDR completion for line no longer resident", zap.Uint64("address", lineAddr))
		return
	}
	idx := r.blockIndex(block, r.associativity())
	copy(r.data[idx], data)
	line := r.meta[idx]
	line.tokensHeld = r.numTokens

	want := req.Tokens
	if want <= 0 || want > r.numTokens {
		want = r.numTokens
	}
	line.tokensHeld -= want
	if r.metrics != nil {
		r.metrics.TokensOutstanding(want)
	}

	resp := &message.Message{
		Type:     message.ResponseRead,
		Address:  lineAddr,
		Source:   req.Source,
		Tokens:   want,
		Priority: line.tokensHeld == 0,
		Data:     append([]byte(nil), r.data[idx]...),
		Bitmask:  allValid(r.lineSize),
	}
	if !r.reply(resp) {
		// Reply path is momentarily full; re-queue as a waiter so the
		// request is retried without minting extra tokens.
		line.tokensHeld += want
		line.waiters = append(line.waiters, req)
	} else if r.metrics != nil {
		r.metrics.TokensOutstanding(want)
	}

	r.serviceWaiters(lineAddr, idx)
}

func (r *Root) handleEviction(msg *message.Message) bool {
	tag := msg.Address * uint64(r.lineSize)
	block := r.dir.Lookup(0, tag)
	if block == nil {
		r.log.Warn("root: eviction for unknown line, dropping", zap.Uint64("address", msg.Address))
		return true
	}
	idx := r.blockIndex(block, r.associativity())
	line := r.meta[idx]

	line.tokensHeld += msg.Tokens
	if r.metrics != nil {
		r.metrics.TokensOutstanding(-msg.Tokens)
	}
	if msg.Dirty {
		copy(r.data[idx], msg.Data)
		line.dirty = true
		if r.channel.Write(msg.Address*uint64(r.lineSize), r.data[idx], uint64(r.lineSize)) && r.metrics != nil {
			r.metrics.DDRCommand()
		}
	}
	r.dir.Visit(block)

	r.serviceWaiters(msg.Address, idx)
	return true
}

// serviceWaiters grants queued requests for lineAddr in FIFO order
// until tokens run out again.
func (r *Root) serviceWaiters(lineAddr uint64, idx int) {
	line := r.meta[idx]
	for len(line.waiters) > 0 && line.tokensHeld > 0 {
		waiter := line.waiters[0]
		want := waiter.Tokens
		if want <= 0 || want > r.numTokens {
			want = r.numTokens
		}
		grant := want
		if grant > line.tokensHeld {
			grant = line.tokensHeld
		}
		resp := &message.Message{
			Type:     message.ResponseRead,
			Address:  lineAddr,
			Source:   waiter.Source,
			Tokens:   grant,
			Priority: line.tokensHeld-grant == 0,
			Dirty:    line.dirty,
			Data:     append([]byte(nil), r.data[idx]...),
			Bitmask:  allValid(r.lineSize),
		}
		if !r.reply(resp) {
			return
		}
		line.tokensHeld -= grant
		if r.metrics != nil {
			r.metrics.TokensOutstanding(grant)
		}
		line.waiters = line.waiters[1:]
	}
}

func allValid(n int) []bool {
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v
}
