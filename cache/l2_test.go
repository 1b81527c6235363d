package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/cache"
	"github.com/sarchlab/comaring/message"
)

type recordingCallback struct {
	reads       []readEvent
	writes      []writeEvent
	invalidated []uint64
	snooped     []snoopEvent
	refuseSnoop bool
}

type readEvent struct {
	client  int
	writeID uint64
	address uint64
	data    []byte
}

type writeEvent struct {
	client  int
	writeID uint64
	address uint64
}

type snoopEvent struct {
	address uint64
	data    []byte
}

func (r *recordingCallback) OnReadComplete(client int, writeID uint64, address uint64, data []byte) {
	r.reads = append(r.reads, readEvent{client, writeID, address, data})
}

func (r *recordingCallback) OnWriteComplete(client int, writeID uint64, address uint64) {
	r.writes = append(r.writes, writeEvent{client, writeID, address})
}

func (r *recordingCallback) OnMemoryInvalidated(address uint64) {
	r.invalidated = append(r.invalidated, address)
}

func (r *recordingCallback) OnMemorySnooped(address uint64, data []byte) bool {
	r.snooped = append(r.snooped, snoopEvent{address, data})
	return !r.refuseSnoop
}

const (
	numSets       = 1
	associativity = 2
	lineSize      = 4
	numTokens     = 2
	msbSize       = 2
	bufSize       = 4
	numClients    = 2
)

var _ = Describe("Cache", func() {
	var (
		c       *cache.Cache
		cb      *recordingCallback
		client  int
		cb2     *recordingCallback
		client2 int
		cycle   uint64
	)

	BeforeEach(func() {
		cb = &recordingCallback{}
		c = cache.New(message.CacheID(0), numSets, associativity, lineSize, numTokens, msbSize, bufSize, bufSize, numClients, nil, nil)
		var ok bool
		client, ok = c.RegisterClient(cb)
		Expect(ok).To(BeTrue())

		cb2 = &recordingCallback{}
		client2, ok = c.RegisterClient(cb2)
		Expect(ok).To(BeTrue())
		Expect(client2).NotTo(Equal(client))

		cycle = 0
	})

	step := func() {
		for _, p := range c.Processes() {
			p.Step(cycle)
		}
		cycle++
	}

	It("refuses a request from an unregistered client", func() {
		Expect(c.Read(numClients, 1, 7)).To(BeFalse())
	})

	It("refuses registration once every client slot is taken", func() {
		_, ok := c.RegisterClient(&recordingCallback{})
		Expect(ok).To(BeFalse())
	})

	It("frees a client slot on unregister", func() {
		c.UnregisterClient(client2)
		id, ok := c.RegisterClient(&recordingCallback{})
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(client2))
	})

	It("sends a Read message to the directory on a miss", func() {
		Expect(c.Read(client, 42, 7)).To(BeTrue())
		step()

		Expect(c.ToDirectory().Empty()).To(BeFalse())
		msg := c.ToDirectory().Front()
		Expect(msg.Type).To(Equal(message.Read))
		Expect(msg.Address).To(Equal(uint64(7)))
	})

	It("completes a read once the directory responds", func() {
		Expect(c.Read(client, 42, 7)).To(BeTrue())
		step()
		c.ToDirectory().Pop()

		resp := &message.Message{
			Type:    message.ResponseRead,
			Address: 7,
			Tokens:  numTokens,
			Data:    []byte{9, 9, 9, 9},
			Bitmask: []bool{true, true, true, true},
		}
		Expect(c.FromDirectory().Push(resp)).To(BeTrue())
		step()

		Expect(cb.reads).To(HaveLen(1))
		Expect(cb.reads[0].address).To(Equal(uint64(7)))
		Expect(cb.reads[0].data).To(Equal([]byte{9, 9, 9, 9}))
	})

	It("services a second read from the same line without another directory round trip", func() {
		Expect(c.Read(client, 1, 7)).To(BeTrue())
		step()
		c.ToDirectory().Pop()
		resp := &message.Message{
			Type: message.ResponseRead, Address: 7, Tokens: numTokens,
			Data: []byte{1, 2, 3, 4}, Bitmask: []bool{true, true, true, true},
		}
		c.FromDirectory().Push(resp)
		step()

		Expect(c.Read(client2, 2, 7)).To(BeTrue())
		step()

		Expect(c.ToDirectory().Empty()).To(BeTrue())
		Expect(cb.reads).To(HaveLen(1))
		Expect(cb2.reads).To(HaveLen(1))
		Expect(cb2.reads[0].data).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("requests an upgrade before completing a write on a read-only line", func() {
		Expect(c.Read(client, 1, 7)).To(BeTrue())
		step()
		c.ToDirectory().Pop()
		c.FromDirectory().Push(&message.Message{
			Type: message.ResponseRead, Address: 7, Tokens: 1,
			Data: []byte{0, 0, 0, 0}, Bitmask: []bool{true, true, true, true},
		})
		step()

		Expect(c.Write(client, 2, 7, []byte{5, 5, 5, 5}, []bool{true, true, true, true})).To(BeTrue())
		step()

		Expect(c.ToDirectory().Empty()).To(BeFalse())
		Expect(c.ToDirectory().Front().Type).To(Equal(message.AcquireTokens))
	})

	It("writes data in place immediately on a write miss, ahead of the token round trip", func() {
		Expect(c.Write(client, 1, 7, []byte{7, 7, 7, 7}, []bool{true, false, false, false})).To(BeTrue())
		step()

		Expect(c.ToDirectory().Empty()).To(BeFalse())
		msg := c.ToDirectory().Front()
		Expect(msg.Type).To(Equal(message.AcquireTokens))
		Expect(msg.Tokens).To(Equal(numTokens))
		c.ToDirectory().Pop()

		// A read of the same address while the line is still LOADING
		// queues behind the in-flight request rather than missing again.
		Expect(c.Read(client2, 9, 7)).To(BeTrue())
		step()
		Expect(c.ToDirectory().Empty()).To(BeTrue())

		c.FromDirectory().Push(&message.Message{
			Type: message.ResponseRead, Address: 7, Tokens: numTokens,
			Data: []byte{0, 2, 3, 4}, Bitmask: []bool{true, true, true, true},
		})
		step()

		Expect(cb.writes).To(HaveLen(1))
		Expect(cb2.reads).To(HaveLen(1))
		// Byte 0 came from the in-place write, not the ring response.
		Expect(cb2.reads[0].data).To(Equal([]byte{7, 2, 3, 4}))
	})

	It("snoops a write to every other registered client before admission, and a refusal defers it", func() {
		cb2.refuseSnoop = true

		Expect(c.Write(client, 1, 7, []byte{1, 2, 3, 4}, []bool{true, true, true, true})).To(BeTrue())
		step()

		Expect(cb2.snooped).To(HaveLen(1))
		Expect(cb2.snooped[0].address).To(Equal(uint64(7)))
		// Refused: no message went out, and the write is still queued.
		Expect(c.ToDirectory().Empty()).To(BeTrue())
		Expect(cb.writes).To(BeEmpty())

		cb2.refuseSnoop = false
		step()

		Expect(c.ToDirectory().Empty()).To(BeFalse())
		Expect(c.ToDirectory().Front().Type).To(Equal(message.AcquireTokens))
	})

	It("broadcasts an invalidation to every registered client on eviction", func() {
		Expect(c.Read(client, 1, 0)).To(BeTrue())
		step()
		c.ToDirectory().Pop()
		c.FromDirectory().Push(&message.Message{
			Type: message.ResponseRead, Address: 0, Tokens: numTokens,
			Data: []byte{1, 1, 1, 1}, Bitmask: []bool{true, true, true, true},
		})
		step()

		Expect(c.Read(client, 2, 1)).To(BeTrue())
		step()
		c.ToDirectory().Pop()
		c.FromDirectory().Push(&message.Message{
			Type: message.ResponseRead, Address: 1, Tokens: numTokens,
			Data: []byte{2, 2, 2, 2}, Bitmask: []bool{true, true, true, true},
		})
		step()

		// numSets*associativity == 2 lines total; a third distinct
		// address forces an eviction of one of the two resident lines.
		Expect(c.Read(client, 3, 2)).To(BeTrue())
		step()

		Expect(cb.invalidated).To(HaveLen(1))
		Expect(cb2.invalidated).To(HaveLen(1))
		Expect(cb.invalidated[0]).To(Equal(cb2.invalidated[0]))
	})
})
