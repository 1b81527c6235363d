package sim_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/sim"
)

var _ = Describe("Buffer", func() {
	It("reports empty and free slots correctly", func() {
		b := sim.NewBuffer[int]("b", 2)
		Expect(b.Empty()).To(BeTrue())
		Expect(b.Free()).To(Equal(2))

		Expect(b.Push(1)).To(BeTrue())
		Expect(b.Free()).To(Equal(1))
		Expect(b.Push(2)).To(BeTrue())
		Expect(b.Free()).To(Equal(0))
		Expect(b.Push(3)).To(BeFalse())
	})

	It("is FIFO", func() {
		b := sim.NewBuffer[int]("b", 4)
		b.Push(1)
		b.Push(2)
		Expect(b.Front()).To(Equal(1))
		b.Pop()
		Expect(b.Front()).To(Equal(2))
	})

	It("treats capacity 0 as unbounded", func() {
		b := sim.NewBuffer[int]("b", 0)
		for i := 0; i < 1000; i++ {
			Expect(b.Push(i)).To(BeTrue())
		}
	})

	It("honors HasSlack", func() {
		b := sim.NewBuffer[int]("b", 4)
		b.Push(1)
		b.Push(2)
		Expect(b.HasSlack(2)).To(BeTrue())
		Expect(b.HasSlack(3)).To(BeFalse())
	})
})
