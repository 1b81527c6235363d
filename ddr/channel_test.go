package ddr_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/ddr"
	"github.com/sarchlab/comaring/membackend"
)

type fakeCallback struct {
	completed []uint64
	data      map[uint64][]byte
}

func (f *fakeCallback) OnReadCompleted(address uint64, data []byte) {
	f.completed = append(f.completed, address)
	if f.data == nil {
		f.data = make(map[uint64][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[address] = cp
}

var _ = Describe("Channel", func() {
	var (
		geometry ddr.Geometry
		mem      *membackend.VirtualMemory
		cb       *fakeCallback
		cycle    uint64
		channel  *ddr.Channel
	)

	BeforeEach(func() {
		geometry = ddr.Geometry{
			BurstLength: 4, DevicesPerRank: 2,
			RankBits: 1, RowBits: 8, ColumnBits: 4,
			TRCD: 2, TRP: 2, TCL: 3, TWR: 2, TCCD: 1, TCWL: 2, TRAS: 4,
		}
		mem = membackend.NewVirtualMemory()
		Expect(mem.Reserve(0, 1<<20, membackend.PermRead|membackend.PermWrite)).To(Succeed())
		cb = &fakeCallback{}
		cycle = 0
		channel = ddr.New("ddr0", geometry, mem, cb, 4, func() uint64 { return cycle }, nil)

		// Seed backing memory directly so a read has something to return.
		seed := make([]byte, geometry.BurstSize())
		for i := range seed {
			seed[i] = byte(i + 1)
		}
		Expect(mem.Write(0, seed, uint64(len(seed)))).To(Succeed())
	})

	step := func() {
		for _, p := range channel.Processes() {
			p.Step(cycle)
		}
		cycle++
	}

	It("completes a read after activate, column access and tCL", func() {
		Expect(channel.Read(0, uint64(geometry.BurstSize()))).To(BeTrue())

		for i := 0; i < 200 && len(cb.completed) == 0; i++ {
			step()
		}

		Expect(cb.completed).To(ContainElement(uint64(0)))
		Expect(cb.data[0][0]).To(Equal(byte(1)))
	})

	It("backpressures when the request queue is full", func() {
		for i := 0; i < 4; i++ {
			Expect(channel.Read(uint64(i)*uint64(geometry.BurstSize()), uint64(geometry.BurstSize()))).To(BeTrue())
		}
		Expect(channel.Read(4*uint64(geometry.BurstSize()), uint64(geometry.BurstSize()))).To(BeFalse())
	})

	It("writes data through to the backing store", func() {
		addr := uint64(geometry.BurstSize()) * 10
		Expect(mem.Reserve(addr, uint64(geometry.BurstSize()), membackend.PermRead|membackend.PermWrite)).To(Succeed())

		payload := make([]byte, geometry.BurstSize())
		for i := range payload {
			payload[i] = 0xEE
		}
		Expect(channel.Write(addr, payload, uint64(len(payload)))).To(BeTrue())

		for i := 0; i < 200; i++ {
			step()
		}

		out := make([]byte, len(payload))
		Expect(mem.Read(addr, out, uint64(len(out)))).To(Succeed())
		Expect(out).To(Equal(payload))
	})
})
