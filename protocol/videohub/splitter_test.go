package videohub_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/protocol/videohub"
)

var _ = Describe("Splitter", func() {
	It("yields a complete block", func() {
		s := &videohub.Splitter{}

		blocks, err := s.Feed([]byte("PING:\n\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(1))
		Expect(blocks[0].Header).To(Equal("PING"))
		Expect(blocks[0].Body).To(BeEmpty())
	})

	It("buffers a trailing incomplete block", func() {
		s := &videohub.Splitter{}

		blocks, err := s.Feed([]byte("PING:\n\nVIDEO OUTPUT ROUTING:\n3 7\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(1))
		Expect(s.Pending()).To(BeNumerically(">", 0))

		blocks, err = s.Feed([]byte("\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(1))
		Expect(blocks[0].Header).To(Equal("VIDEO OUTPUT ROUTING"))
		Expect(blocks[0].Body).To(Equal([]string{"3 7"}))
		Expect(s.Pending()).To(Equal(0))
	})

	It("normalizes \\r\\n and bare \\r line endings", func() {
		s := &videohub.Splitter{}

		blocks, err := s.Feed([]byte("INPUT LABELS:\r\n0 Camera 1\r\r\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(1))
		Expect(blocks[0].Header).To(Equal("INPUT LABELS"))
		Expect(blocks[0].Body).To(Equal([]string{"0 Camera 1"}))
	})

	It("yields several blocks from one read", func() {
		s := &videohub.Splitter{}

		blocks, err := s.Feed([]byte("ACK\n\nVIDEO OUTPUT ROUTING:\n0 1\n1 0\n\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(2))
		Expect(blocks[0].IsAck()).To(BeTrue())
		Expect(blocks[1].Body).To(Equal([]string{"0 1", "1 0"}))
	})

	It("errors when the pending block exceeds the cap", func() {
		s := &videohub.Splitter{}

		_, err := s.Feed(bytes.Repeat([]byte("x"), videohub.MaxBlockSize+2))
		Expect(err).To(MatchError(videohub.ErrBlockTooLong))

		// The splitter discards the oversized buffer and keeps working.
		blocks, err := s.Feed([]byte("PING:\n\n"))
		Expect(err).To(Succeed())
		Expect(blocks).To(HaveLen(1))
	})
})
