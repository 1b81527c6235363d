package message_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/comaring/message"
)

var _ = Describe("Message", func() {
	It("clones its byte slices independently", func() {
		m := &message.Message{
			Type:    message.Read,
			Data:    []byte{1, 2, 3},
			Bitmask: []bool{true, false, true},
		}
		cp := m.Clone()
		cp.Data[0] = 99
		cp.Bitmask[1] = true

		Expect(m.Data[0]).To(Equal(byte(1)))
		Expect(m.Bitmask[1]).To(BeFalse())
		Expect(cp.Data[0]).To(Equal(byte(99)))
	})

	It("reports AllBytesValid correctly", func() {
		full := &message.Message{Bitmask: []bool{true, true, true}}
		Expect(full.AllBytesValid()).To(BeTrue())

		partial := &message.Message{Bitmask: []bool{true, false, true}}
		Expect(partial.AllBytesValid()).To(BeFalse())

		empty := &message.Message{}
		Expect(empty.AllBytesValid()).To(BeTrue())
	})

	DescribeTable("stringifies every message type",
		func(t message.Type, want string) {
			Expect(t.String()).To(Equal(want))
		},
		Entry("Read", message.Read, "READ"),
		Entry("AcquireTokens", message.AcquireTokens, "ACQUIRE_TOKENS"),
		Entry("Eviction", message.Eviction, "EVICTION"),
		Entry("LocalDirNotification", message.LocalDirNotification, "LOCALDIR_NOTIFICATION"),
		Entry("ResponseRead", message.ResponseRead, "RESPONSE_READ"),
		Entry("ResponseForward", message.ResponseForward, "RESPONSE_FORWARD"),
		Entry("RequestKillTokens", message.RequestKillTokens, "REQUEST_KILL_TOKENS"),
	)
})
