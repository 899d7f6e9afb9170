package swp08_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/protocol/swp08"
)

var _ = Describe("Framing", func() {
	Describe("Checksum()", func() {
		It("is the two's complement of the byte sum", func() {
			// 02+00+00+03+07+09 = 0x15, -0x15 = 0xEB
			sum := swp08.Checksum([]byte{0x02, 0x00, 0x00, 0x03, 0x07, 0x09})
			Expect(sum).To(Equal(byte(0xEB)))
		})

		It("is zero for an empty message", func() {
			Expect(swp08.Checksum(nil)).To(Equal(byte(0)))
		})
	})

	Describe("EncodeFrame()", func() {
		It("appends BTC and checksum and wraps in DLE STX / DLE ETX", func() {
			frame := swp08.EncodeFrame([]byte{0x02, 0x00, 0x00, 0x03, 0x07})
			Expect(frame).To(Equal([]byte{
				0x10, 0x02,
				0x02, 0x00, 0x00, 0x03, 0x07,
				0x05, 0xEF,
				0x10, 0x03,
			}))
		})

		It("doubles payload DLE bytes", func() {
			frame := swp08.EncodeFrame([]byte{0x10})
			// payload = 10 01 EF; the 0x10 is stuffed
			Expect(frame).To(Equal([]byte{
				0x10, 0x02,
				0x10, 0x10, 0x01, 0xEF,
				0x10, 0x03,
			}))
		})
	})

	Describe("Framer", func() {
		It("round-trips encode then decode", func() {
			msg := []byte{0x02, 0x10, 0x00, 0x10, 0x07}

			f := &swp08.Framer{}
			tokens, err := f.Feed(swp08.EncodeFrame(msg))
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Kind).To(Equal(swp08.TokenFrame))
			Expect(tokens[0].Msg).To(Equal(msg))
			Expect(tokens[0].BTCMismatch).To(BeFalse())
		})

		It("accepts the observed firmware frame with a lenient BTC", func() {
			f := &swp08.Framer{}
			tokens, err := f.Feed([]byte{
				0x10, 0x02,
				0x02, 0x00, 0x00, 0x03, 0x07,
				0x09, 0xEB,
				0x10, 0x03,
			})
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Kind).To(Equal(swp08.TokenFrame))
			Expect(tokens[0].Msg).To(Equal([]byte{0x02, 0x00, 0x00, 0x03, 0x07}))
			Expect(tokens[0].BTCMismatch).To(BeTrue())
		})

		It("flags a checksum failure", func() {
			f := &swp08.Framer{}
			tokens, err := f.Feed([]byte{
				0x10, 0x02,
				0x02, 0x00, 0x00, 0x03, 0x07,
				0x05, 0x00,
				0x10, 0x03,
			})
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Kind).To(Equal(swp08.TokenBadChecksum))
		})

		It("recovers frames split across reads", func() {
			frame := swp08.EncodeFrame([]byte{0x02, 0x00, 0x00, 0x03, 0x07})

			f := &swp08.Framer{}
			tokens, err := f.Feed(frame[:4])
			Expect(err).To(Succeed())
			Expect(tokens).To(BeEmpty())

			tokens, err = f.Feed(frame[4:])
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Kind).To(Equal(swp08.TokenFrame))
		})

		It("recognizes bare acknowledgements between frames", func() {
			f := &swp08.Framer{}
			tokens, err := f.Feed([]byte{0x10, 0x06, 0x10, 0x15})
			Expect(err).To(Succeed())
			Expect(tokens).To(HaveLen(2))
			Expect(tokens[0].Kind).To(Equal(swp08.TokenAck))
			Expect(tokens[1].Kind).To(Equal(swp08.TokenNak))
		})

		It("drops noise outside frames", func() {
			f := &swp08.Framer{}
			tokens, err := f.Feed([]byte{0xFF, 0xAA, 0x00})
			Expect(err).To(Succeed())
			Expect(tokens).To(BeEmpty())
		})
	})
})
