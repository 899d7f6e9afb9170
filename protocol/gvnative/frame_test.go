package gvnative_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/protocol/gvnative"
)

var _ = Describe("Framing", func() {
	It("wraps a body in SOH / checksum / EOT", func() {
		body := []byte("N0QT")
		frame := gvnative.EncodeFrame(body)

		Expect(frame[0]).To(Equal(gvnative.SOH))
		Expect(frame[len(frame)-1]).To(Equal(gvnative.EOT))

		check := fmt.Sprintf("%02X", gvnative.Checksum(body))
		Expect(string(frame[len(frame)-3 : len(frame)-1])).To(Equal(check))
	})

	It("recomputed checksums over decoded bodies match the transmitted ones", func() {
		bodies := [][]byte{
			[]byte("N0QT"),
			gvnative.EncodeCommand("TI", "0003", "0007", "0000"),
			gvnative.EncodeCommand("QN", "IS"),
			gvnative.EncodeCommand("BK", "F"),
		}

		f := &gvnative.Framer{}

		for _, body := range bodies {
			tokens, err := f.Feed(gvnative.EncodeFrame(body))
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].ChecksumOK).To(BeTrue())
			Expect(tokens[0].Body).To(Equal(body))
		}
	})

	It("flags but still yields a body with a bad checksum", func() {
		frame := gvnative.EncodeFrame([]byte("N0QT"))
		frame[len(frame)-2] = 'F' // corrupt the checksum text

		f := &gvnative.Framer{}
		tokens, err := f.Feed(frame)
		Expect(err).To(Succeed())
		Expect(tokens).To(HaveLen(1))
		Expect(tokens[0].ChecksumOK).To(BeFalse())
		Expect(tokens[0].Body).To(Equal([]byte("N0QT")))
	})

	It("recovers frames split across reads", func() {
		frame := gvnative.EncodeFrame(gvnative.EncodeCommand("QJ"))

		f := &gvnative.Framer{}
		tokens, err := f.Feed(frame[:3])
		Expect(err).To(Succeed())
		Expect(tokens).To(BeEmpty())

		tokens, err = f.Feed(frame[3:])
		Expect(err).To(Succeed())
		Expect(tokens).To(HaveLen(1))
	})

	It("drops bytes outside SOH/EOT", func() {
		f := &gvnative.Framer{}
		tokens, err := f.Feed([]byte("garbage"))
		Expect(err).To(Succeed())
		Expect(tokens).To(BeEmpty())
	})
})
