package swp08_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/protocol/swp08"
)

var _ = Describe("Messages", func() {
	Describe("Crosspoint", func() {
		It("round-trips a standard connect", func() {
			in := swp08.Crosspoint{Kind: swp08.KindConnect, Level: 1, Dest: 3, Src: 7}

			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("parses the scenario connect bytes", func() {
			msg, err := swp08.Parse([]byte{0x02, 0x00, 0x00, 0x03, 0x07})
			Expect(err).To(Succeed())

			xpt, ok := msg.(swp08.Crosspoint)
			Expect(ok).To(BeTrue())
			Expect(xpt.Kind).To(Equal(swp08.KindConnect))
			Expect(xpt.Level).To(Equal(0))
			Expect(xpt.Dest).To(Equal(3))
			Expect(xpt.Src).To(Equal(7))
		})

		It("round-trips an extended connect with 16-bit addresses", func() {
			in := swp08.Crosspoint{
				Kind:     swp08.KindConnect,
				Extended: true,
				Level:    2,
				Dest:     40000,
				Src:      65535,
			}

			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("round-trips interrogates without a source", func() {
			in := swp08.Crosspoint{Kind: swp08.KindInterrogate, Dest: 130}

			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("round-trips tally and connected", func() {
			for _, kind := range []swp08.XptKind{swp08.KindTally, swp08.KindConnected} {
				in := swp08.Crosspoint{Kind: kind, Dest: 900, Src: 1023}
				out, err := swp08.Parse(in.Encode())
				Expect(err).To(Succeed())
				Expect(out).To(Equal(in))
			}
		})

		It("rejects truncated messages", func() {
			_, err := swp08.Parse([]byte{0x02, 0x00, 0x00})
			Expect(err).To(MatchError(swp08.ErrShortMessage))
		})
	})

	Describe("TallyDump", func() {
		It("round-trips", func() {
			in := swp08.TallyDump{Matrix: 1, Level: 3}
			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})
	})

	Describe("Names", func() {
		It("round-trips a request", func() {
			in := swp08.NamesRequest{Kind: swp08.NamesDest, CharLenIdx: 1}
			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("round-trips a reply with fixed-width padding", func() {
			in := swp08.NamesReply{
				Kind:       swp08.NamesSource,
				CharLenIdx: 1,
				Start:      2,
				Names:      []string{"Cam 1   ", "Cam 2   "},
			}

			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("round-trips an extended reply", func() {
			in := swp08.NamesReply{
				Kind:       swp08.NamesDest,
				Extended:   true,
				CharLenIdx: 2,
				Start:      300,
				Names:      []string{swp08.PadName("Monitor wall", 12)},
			}

			out, err := swp08.Parse(in.Encode())
			Expect(err).To(Succeed())
			Expect(out).To(Equal(in))
		})

		It("rejects a reply whose count overruns the payload", func() {
			raw := swp08.NamesReply{
				Kind:       swp08.NamesSource,
				CharLenIdx: 0,
				Names:      []string{"Cam "},
			}.Encode()

			raw[5] = 9 // claim nine names, carry one

			_, err := swp08.Parse(raw)
			Expect(err).To(MatchError(swp08.ErrNameTooWide))
		})

		It("rejects an unknown character length index", func() {
			raw := swp08.NamesReply{CharLenIdx: 0, Names: []string{"Cam "}}.Encode()
			raw[2] = 5

			_, err := swp08.Parse(raw)
			Expect(err).To(MatchError(swp08.ErrBadCharLen))
		})
	})

	Describe("PadName()", func() {
		It("pads short names with spaces", func() {
			Expect(swp08.PadName("Cam", 8)).To(Equal("Cam     "))
		})

		It("truncates long names", func() {
			Expect(swp08.PadName("A very long label", 4)).To(Equal("A ve"))
		})
	})
})
