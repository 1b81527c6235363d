// Package ddr models a single DDR channel's precharge/activate/read-or-
// write/precharge timing state machine, grounded on
// arch/mem/DDR.h and src/coma/DDR.cpp from the original MGSim source.
package ddr

import (
	"go.uber.org/zap"

	"github.com/sarchlab/comaring/membackend"
	"github.com/sarchlab/comaring/sim"
)

// Geometry describes the address decoding and timing parameters of one
// DDR channel (DDRBurstLength / DDRDevicesPerRank /
// DDRRankBits / DDRRowBits / DDRColumnBits keys).
type Geometry struct {
	BurstLength    int
	DevicesPerRank int
	RankBits       int
	RowBits        int
	ColumnBits     int

	TRCD uint64
	TRP  uint64
	TCL  uint64
	TWR  uint64
	TCCD uint64
	TCWL uint64
	TRAS uint64
}

// BurstSize is devices_per_rank * burst_length bytes (the unit of
// "Burst").
func (g Geometry) BurstSize() int { return g.DevicesPerRank * g.BurstLength }

// decoded address fields, burst-aligned.
type addrFields struct {
	rank, row, col uint64
}

func (g Geometry) decode(address uint64) addrFields {
	burstSize := uint64(g.BurstSize())
	burstAligned := address / burstSize

	columnStart := uint(0)
	columnMask := uint64(1)<<uint(g.ColumnBits) - 1
	rankStart := uint(g.ColumnBits)
	rankMask := uint64(1)<<uint(g.RankBits) - 1
	rowStart := rankStart + uint(g.RankBits)

	col := (burstAligned >> columnStart) & columnMask
	rank := (burstAligned >> rankStart) & rankMask
	row := burstAligned >> rowStart
	return addrFields{rank: rank, row: row, col: col}
}

// noRow is the sentinel "no row open" value.
const noRow = ^uint64(0)

// Callback is notified when a read completes.
type Callback interface {
	OnReadCompleted(address uint64, data []byte)
}

type request struct {
	address uint64
	size    uint64
	data    []byte
	write   bool
	offset  uint64
}

type pipelinedRead struct {
	address uint64
	data    []byte
	done    uint64 // cycle at which this read's data becomes available
}

// Channel is one DDR channel: R ranks x B banks x rows x columns modeled
// as a per-rank row-open state machine. Bank-level
// parallelism within a rank is out of scope for this model's
// scope — only the rank's currently open row is tracked, matching the
// original's m_currentRow vector.
type Channel struct {
	name     string
	geometry Geometry
	memory   *membackend.VirtualMemory
	callback Callback
	log      *zap.Logger

	currentRow      []uint64 // per rank
	nextCommand     []uint64 // per rank: earliest cycle for next command
	nextPrecharge   []uint64 // per rank: earliest cycle the active row may be precharged
	nextWriteRecov  []uint64 // per rank: earliest cycle a write-opened row may be precharged (tWR)

	requests *sim.Buffer[*request]
	active   *request
	pipeline []pipelinedRead

	pRequest *sim.ProcessFunc
	pPipeline *sim.ProcessFunc

	nowFn func() uint64
}

// New creates a DDR channel backed by memory, using geometry for
// timing/address decoding. nowFn reports the current cycle number (the
// channel has no clock of its own; it is driven by whatever engine ticks
// its processes, matching COMA components sharing one Clock in the
// original).
func New(name string, geometry Geometry, memory *membackend.VirtualMemory, callback Callback, requestBufSize int, nowFn func() uint64, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	numRanks := 1 << uint(geometry.RankBits)
	c := &Channel{
		name:           name,
		geometry:       geometry,
		memory:         memory,
		callback:       callback,
		log:            log,
		currentRow:     make([]uint64, numRanks),
		nextCommand:    make([]uint64, numRanks),
		nextPrecharge:  make([]uint64, numRanks),
		nextWriteRecov: make([]uint64, numRanks),
		requests:       sim.NewBuffer[*request]("ddr.requests", requestBufSize),
		nowFn:          nowFn,
	}
	for i := range c.currentRow {
		c.currentRow[i] = noRow
	}
	c.pRequest = sim.NewProcessFunc(name+".request", c.doRequest)
	c.pPipeline = sim.NewProcessFunc(name+".pipeline", c.doPipeline)
	return c
}

// Processes returns the channel's two processes (request handling and
// read-completion pipeline), to be registered with an Engine in the
// order the caller wants them prioritized.
func (c *Channel) Processes() []sim.Process {
	return []sim.Process{c.pRequest, c.pPipeline}
}

// Read enqueues a read request; size may span multiple bursts. Returns
// false if the request buffer is full (back-pressure).
func (c *Channel) Read(address, size uint64) bool {
	return c.requests.Push(&request{address: address, size: size, data: make([]byte, size)})
}

// Write enqueues a write request.
func (c *Channel) Write(address uint64, data []byte, size uint64) bool {
	buf := make([]byte, size)
	copy(buf, data)
	return c.requests.Push(&request{address: address, size: size, data: buf, write: true})
}

func (c *Channel) doRequest(cycle uint64) sim.Result {
	if c.active == nil {
		if c.requests.Empty() {
			return sim.Delayed
		}
		c.active = c.requests.Front()
		c.requests.Pop()
	}
	req := c.active
	now := c.nowFn()

	fields := c.geometry.decode(req.address + req.offset)
	rank := fields.rank

	if c.currentRow[rank] != noRow && c.currentRow[rank] != fields.row {
		// Wrong row open: precharge first.
		precharge := max64(c.nextPrecharge[rank], c.nextWriteRecov[rank])
		if now < precharge {
			return sim.Failed
		}
		c.nextCommand[rank] = now + c.geometry.TRP
		c.currentRow[rank] = noRow
		c.log.Debug("ddr precharge", zap.String("channel", c.name), zap.Uint64("rank", rank))
		return sim.Success
	}

	if c.currentRow[rank] == noRow {
		if now < c.nextCommand[rank] {
			return sim.Failed
		}
		c.nextCommand[rank] = now + c.geometry.TRCD
		c.nextPrecharge[rank] = now + c.geometry.TRAS
		c.currentRow[rank] = fields.row
		c.log.Debug("ddr activate", zap.String("channel", c.name), zap.Uint64("rank", rank), zap.Uint64("row", fields.row))
		return sim.Success
	}

	// Row matches: execute one burst.
	if now < c.nextCommand[rank] {
		return sim.Failed
	}

	burstSize := uint64(c.geometry.BurstSize())
	if req.write {
		end := req.offset + burstSize
		if end > req.size {
			end = req.size
		}
		if err := c.memory.Write(req.address+req.offset, req.data[req.offset:end], end-req.offset); err != nil {
			c.log.Error("ddr write fault", zap.Error(err))
		}
		req.offset = end
		c.nextCommand[rank] = now + c.geometry.TCWL
		c.nextWriteRecov[rank] = now + c.geometry.TWR
		if req.offset >= req.size {
			c.active = nil
		}
		return sim.Success
	}

	end := req.offset + burstSize
	if end > req.size {
		end = req.size
	}
	chunk := make([]byte, end-req.offset)
	if err := c.memory.Read(req.address+req.offset, chunk, end-req.offset); err != nil {
		c.log.Error("ddr read fault", zap.Error(err))
	}
	copy(req.data[req.offset:end], chunk)
	req.offset = end
	c.nextCommand[rank] = now + c.geometry.TCCD

	if req.offset >= req.size {
		c.pipeline = append(c.pipeline, pipelinedRead{
			address: req.address,
			data:    req.data,
			done:    now + c.geometry.TCL,
		})
		c.active = nil
	}
	return sim.Success
}

func (c *Channel) doPipeline(cycle uint64) sim.Result {
	if len(c.pipeline) == 0 {
		return sim.Delayed
	}
	now := c.nowFn()
	head := c.pipeline[0]
	if now < head.done {
		return sim.Delayed
	}
	c.pipeline = c.pipeline[1:]
	c.callback.OnReadCompleted(head.address, head.data)
	return sim.Success
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
