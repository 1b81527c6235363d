package directory_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/cache"
	"github.com/sarchlab/comaring/ddr"
	"github.com/sarchlab/comaring/directory"
	"github.com/sarchlab/comaring/membackend"
	"github.com/sarchlab/comaring/message"
)

var _ = Describe("Root", func() {
	var (
		c0      *cache.Cache
		sr      *directory.SubRing
		root    *directory.Root
		mem     *membackend.VirtualMemory
		channel *ddr.Channel
		cycle   uint64
	)

	const lineSize = 4

	BeforeEach(func() {
		cycle = 0
		c0 = cache.New(message.CacheID(0), 1, 2, lineSize, 2, 2, 4, 4, 1, nil, nil)
		sr = directory.NewSubRing(0, []*cache.Cache{c0}, 1, 4, nil)

		mem = membackend.NewVirtualMemory()
		Expect(mem.Reserve(0, 1<<20, membackend.PermRead|membackend.PermWrite)).To(Succeed())
		seed := []byte{7, 7, 7, 7}
		Expect(mem.Write(0, seed, lineSize)).To(Succeed())

		root = directory.NewRoot(0, 1, 4, lineSize, 2, nil, nil, nil)
		geometry := ddr.Geometry{
			BurstLength: 2, DevicesPerRank: 2, RankBits: 0, RowBits: 4, ColumnBits: 4,
			TRCD: 1, TRP: 1, TCL: 1, TWR: 1, TCCD: 1, TCWL: 1, TRAS: 2,
		}
		channel = ddr.New("ddr0", geometry, mem, root, 4, func() uint64 { return cycle }, nil)
		root.SetChannel(channel)
		root.Attach(0, sr, 0)
	})

	step := func() {
		for _, p := range sr.Processes() {
			p.Step(cycle)
		}
		for _, p := range root.Processes() {
			p.Step(cycle)
		}
		for _, p := range channel.Processes() {
			p.Step(cycle)
		}
		cycle++
	}

	It("mints all tokens and fetches data from DDR on a first miss", func() {
		Expect(sr.ToRoot(0).Push(&message.Message{Type: message.Read, Address: 0, Source: 0, Tokens: 2})).To(BeTrue())

		var got *message.Message
		for i := 0; i < 200 && got == nil; i++ {
			step()
			if !c0.FromDirectory().Empty() {
				got = c0.FromDirectory().Front()
			}
		}

		Expect(got).NotTo(BeNil())
		Expect(got.Type).To(Equal(message.ResponseRead))
		Expect(got.Tokens).To(Equal(2))
		Expect(got.Data).To(Equal([]byte{7, 7, 7, 7}))
	})

	It("queues a request when no tokens are at rest, and services it once an eviction returns them", func() {
		// First requester takes all the tokens.
		Expect(sr.ToRoot(0).Push(&message.Message{Type: message.Read, Address: 0, Source: 0, Tokens: 2})).To(BeTrue())
		for i := 0; i < 200 && c0.FromDirectory().Empty(); i++ {
			step()
		}
		c0.FromDirectory().Pop()

		// A second requester finds nothing at rest and must wait.
		waiting := &message.Message{Type: message.AcquireTokens, Address: 0, Source: 0, Tokens: 1}
		accepted := false
		for i := 0; i < 50 && !accepted; i++ {
			if sr.ToRoot(0).Push(waiting) {
				accepted = true
			}
			step()
		}
		Expect(accepted).To(BeTrue())

		for i := 0; i < 50; i++ {
			step()
		}
		Expect(c0.FromDirectory().Empty()).To(BeTrue())

		// Returning the tokens via an eviction should let the queued
		// request drain.
		Expect(sr.ToRoot(0).Push(&message.Message{
			Type: message.Eviction, Address: 0, Source: 0, Tokens: 2, Dirty: false,
			Data: []byte{7, 7, 7, 7},
		})).To(BeTrue())

		for i := 0; i < 100; i++ {
			step()
		}

		Expect(c0.FromDirectory().Empty()).To(BeFalse())
		served := c0.FromDirectory().Front()
		Expect(served.Type).To(Equal(message.ResponseRead))
		Expect(served.Tokens).To(Equal(1))
	})
})
