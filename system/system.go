// Package system assembles a complete coherence engine from a
// config.Config: rings of caches, one sub-ring directory per ring, a
// set of root directories partitioning the address space, and one DDR
// channel per root, the way a benchmark harness' cmd/m2sim
// wires a timing.Core/timing.Cache pair from a timing/latency.Config.
package system

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sarchlab/comaring/cache"
	"github.com/sarchlab/comaring/config"
	"github.com/sarchlab/comaring/ddr"
	"github.com/sarchlab/comaring/directory"
	"github.com/sarchlab/comaring/membackend"
	"github.com/sarchlab/comaring/message"
	"github.com/sarchlab/comaring/metrics"
	"github.com/sarchlab/comaring/sim"
)

// System is one fully wired coherence engine, ready to be driven cycle
// by cycle through its Engine.
type System struct {
	Config  *config.Config
	Engine  *sim.Engine
	Caches  []*cache.Cache
	SubRing *directory.SubRing
	Roots   []*directory.Root
	Memory  []*membackend.VirtualMemory
	Metrics *metrics.Collector

	log *zap.Logger
}

// New builds a System from cfg: one sub-ring holding cfg.NumL2CachesPerRing
// caches, cfg.NumRootDirectories root directories (each with its own DDR
// channel and backing store), and registers every process with a fresh
// sim.Engine in the fixed priority order caches -> sub-ring -> each root
// followed by its own DDR channel.
func New(cfg *config.Config, reg prometheus.Registerer, log *zap.Logger) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("system: invalid configuration: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	collector := metrics.NewCollector(reg)
	engine := sim.NewEngine(sim.DefaultDeadlockGrace, log)
	engine.OnDeadlock = collector.Deadlock

	s := &System{
		Config:  cfg,
		Engine:  engine,
		Metrics: collector,
		log:     log,
	}

	caches := make([]*cache.Cache, cfg.NumL2CachesPerRing)
	for i := range caches {
		c := cache.New(
			message.CacheID(i),
			cfg.L2CacheNumSets, cfg.L2CacheAssociativity, cfg.CacheLineSize,
			cfg.NumTokens(), cfg.MSBSize,
			cfg.CacheRequestBufferSize, cfg.CacheResponseBufferSize,
			cfg.NumProcessorsPerCache,
			collector, log,
		)
		caches[i] = c
		engine.AddProcess(c.Processes()[0])
		engine.AddProcess(c.Processes()[1])

		// Each cache gets its own router, so OnReadComplete/OnWriteComplete
		// report the cache that actually serviced the request rather than
		// a shared, hardcoded id. Every processor slot on this cache
		// shares it; the request itself already carries a client id.
		router := &completionRouter{cacheID: message.CacheID(i), log: log}
		for j := 0; j < cfg.NumProcessorsPerCache; j++ {
			if _, ok := c.RegisterClient(router); !ok {
				return nil, fmt.Errorf("system: cache %d: registering client %d: no free slot", i, j)
			}
		}
	}
	s.Caches = caches

	subRing := directory.NewSubRing(0, caches, cfg.NumRootDirectories, cfg.CacheRequestBufferSize, log)
	s.SubRing = subRing
	for _, p := range subRing.Processes() {
		engine.AddProcess(p)
	}

	rootAssociativity := cfg.L2CacheAssociativity * cfg.NumL2CachesPerRing
	setsPerRoot := cfg.L2CacheNumSets / cfg.NumRootDirectories

	roots := make([]*directory.Root, cfg.NumRootDirectories)
	memories := make([]*membackend.VirtualMemory, cfg.NumRootDirectories)
	for i := range roots {
		mem := membackend.NewVirtualMemory()
		if err := mem.Reserve(0, 1<<32, membackend.PermRead|membackend.PermWrite); err != nil {
			return nil, fmt.Errorf("system: reserving backing store for root %d: %w", i, err)
		}
		memories[i] = mem

		geometry := ddr.Geometry{
			BurstLength:    cfg.DDRBurstLength,
			DevicesPerRank: cfg.DDRDevicesPerRank,
			RankBits:       cfg.DDRRankBits,
			RowBits:        cfg.DDRRowBits,
			ColumnBits:     cfg.DDRColumnBits,
			TRCD:           cfg.DDRtRCD,
			TRP:            cfg.DDRtRP,
			TCL:            cfg.DDRtCL,
			TWR:            cfg.DDRtWR,
			TCCD:           cfg.DDRtCCD,
			TCWL:           cfg.DDRtCWL,
			TRAS:           cfg.DDRtRAS,
		}

		root := directory.NewRoot(i, setsPerRoot, rootAssociativity, cfg.CacheLineSize, cfg.NumTokens(), nil, collector, log)
		channel := ddr.New(fmt.Sprintf("ddr[%d]", i), geometry, mem, root, cfg.CacheRequestBufferSize, engine.Cycle, log)
		root.SetChannel(channel)

		root.Attach(0, subRing, i)
		roots[i] = root

		for _, p := range root.Processes() {
			engine.AddProcess(p)
		}
		for _, p := range channel.Processes() {
			engine.AddProcess(p)
		}
	}
	s.Roots = roots
	s.Memory = memories

	return s, nil
}

// completionRouter adapts one cache's client callbacks into whatever a
// caller ultimately wants (logging by default). New leaves onRead and
// onWrite unset and exposes no router, so as wired every completion is
// only logged at debug level.
type completionRouter struct {
	cacheID message.CacheID
	log     *zap.Logger

	onRead  func(cacheID message.CacheID, client int, writeID, address uint64, data []byte)
	onWrite func(cacheID message.CacheID, client int, writeID, address uint64)
}

func (r *completionRouter) OnReadComplete(client int, writeID uint64, address uint64, data []byte) {
	if r.onRead != nil {
		r.onRead(r.cacheID, client, writeID, address, data)
		return
	}
	r.log.Debug("read complete", zap.Int("cache", int(r.cacheID)), zap.Int("client", client), zap.Uint64("address", address))
}

func (r *completionRouter) OnWriteComplete(client int, writeID uint64, address uint64) {
	if r.onWrite != nil {
		r.onWrite(r.cacheID, client, writeID, address)
		return
	}
	r.log.Debug("write complete", zap.Int("cache", int(r.cacheID)), zap.Int("client", client), zap.Uint64("address", address))
}

func (r *completionRouter) OnMemoryInvalidated(address uint64) {
	r.log.Debug("memory invalidated", zap.Int("cache", int(r.cacheID)), zap.Uint64("address", address))
}

func (r *completionRouter) OnMemorySnooped(address uint64, data []byte) bool {
	r.log.Debug("memory snooped", zap.Int("cache", int(r.cacheID)), zap.Uint64("address", address))
	return true
}
