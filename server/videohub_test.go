package server_test

import (
	"bufio"
	"net"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/server"
)

// readInitialDump consumes the six status blocks pushed on accept and
// returns them by header.
func readInitialDump(r *bufio.Reader) map[string]string {
	blocks := make(map[string]string, 6)

	for i := 0; i < 6; i++ {
		block := readBlock(r)
		header := strings.SplitN(block, "\n", 2)[0]
		blocks[strings.TrimSuffix(header, ":")] = block
	}

	return blocks
}

var _ = Describe("VideoHub engine", func() {
	var (
		engine server.Engine
		port   int
	)

	BeforeEach(func() {
		engine, port = makeEngine(server.ProtocolVideoHub, 12, 12, 1)
	})

	AfterEach(func() {
		Expect(engine.Stop()).To(Succeed())
	})

	connect := func() (net.Conn, *bufio.Reader) {
		conn := dialEngine(port)
		r := bufio.NewReader(conn)
		readInitialDump(r)

		return conn, r
	}

	It("pushes the full status dump on accept", func() {
		conn := dialEngine(port)
		defer conn.Close()

		r := bufio.NewReader(conn)
		blocks := readInitialDump(r)

		Expect(blocks).To(HaveKey("PROTOCOL PREAMBLE"))
		Expect(blocks["PROTOCOL PREAMBLE"]).To(ContainSubstring("Version: 2.7"))

		Expect(blocks).To(HaveKey("VIDEOHUB DEVICE"))
		Expect(blocks["VIDEOHUB DEVICE"]).To(ContainSubstring("Video inputs: 12"))
		Expect(blocks["VIDEOHUB DEVICE"]).To(ContainSubstring("Video outputs: 12"))
		Expect(blocks["VIDEOHUB DEVICE"]).To(ContainSubstring("Friendly name: Test Hub"))

		Expect(blocks).To(HaveKey("INPUT LABELS"))
		Expect(blocks["INPUT LABELS"]).To(ContainSubstring("0 Input 1"))

		Expect(blocks).To(HaveKey("OUTPUT LABELS"))
		Expect(blocks).To(HaveKey("VIDEO OUTPUT ROUTING"))
		Expect(blocks["VIDEO OUTPUT ROUTING"]).To(ContainSubstring("3 3"))

		Expect(blocks).To(HaveKey("VIDEO OUTPUT LOCKS"))
		Expect(blocks["VIDEO OUTPUT LOCKS"]).To(ContainSubstring("0 U"))
	})

	It("answers PING with ACK", func() {
		conn, r := connect()
		defer conn.Close()

		_, err := conn.Write([]byte("PING:\n\n"))
		Expect(err).To(Succeed())

		Expect(readBlock(r)).To(Equal("ACK\n"))
	})

	It("applies a route update, ACKs, and broadcasts to every peer", func() {
		connA, readerA := connect()
		defer connA.Close()

		connB, readerB := connect()
		defer connB.Close()

		_, err := connA.Write([]byte("VIDEO OUTPUT ROUTING:\n3 7\n\n"))
		Expect(err).To(Succeed())

		Expect(readBlock(readerA)).To(Equal("ACK\n"))
		Expect(readBlock(readerA)).To(Equal("VIDEO OUTPUT ROUTING:\n3 7\n"))
		Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT ROUTING:\n3 7\n"))

		Expect(engine.State().Routes[0][3]).To(Equal(7))
	})

	It("NAKs an out-of-range route update without broadcasting", func() {
		conn, r := connect()
		defer conn.Close()

		_, err := conn.Write([]byte("VIDEO OUTPUT ROUTING:\n3 99\n\n"))
		Expect(err).To(Succeed())

		Expect(readBlock(r)).To(Equal("NAK\n"))
		Expect(engine.State().Routes[0][3]).To(Equal(3))

		// The connection keeps working and nothing else was queued.
		_, err = conn.Write([]byte("PING:\n\n"))
		Expect(err).To(Succeed())
		Expect(readBlock(r)).To(Equal("ACK\n"))
	})

	It("answers a query with ACK then the full section", func() {
		conn, r := connect()
		defer conn.Close()

		_, err := conn.Write([]byte("VIDEO OUTPUT ROUTING:\n\n"))
		Expect(err).To(Succeed())

		Expect(readBlock(r)).To(Equal("ACK\n"))

		section := readBlock(r)
		Expect(section).To(HavePrefix("VIDEO OUTPUT ROUTING:\n"))
		Expect(strings.Count(section, "\n")).To(Equal(13))
	})

	It("updates labels with embedded spaces", func() {
		conn, r := connect()
		defer conn.Close()

		_, err := conn.Write([]byte("INPUT LABELS:\n0 Camera 1 (wide)\n\n"))
		Expect(err).To(Succeed())

		Expect(readBlock(r)).To(Equal("ACK\n"))
		Expect(readBlock(r)).To(Equal("INPUT LABELS:\n0 Camera 1 (wide)\n"))

		Expect(engine.State().InputLabels[0]).To(Equal("Camera 1 (wide)"))
	})

	It("ignores unknown headers silently", func() {
		conn, r := connect()
		defer conn.Close()

		_, err := conn.Write([]byte("SERIAL PORT ROUTING:\n0 1\n\nPING:\n\n"))
		Expect(err).To(Succeed())

		// Only the PING is answered.
		Expect(readBlock(r)).To(Equal("ACK\n"))
	})

	Describe("lock ownership", func() {
		It("scopes locks to the owning connection and releases on close", func() {
			connA, readerA := connect()
			connB, readerB := connect()
			defer connB.Close()

			// A locks destination 0 and sees 'O'.
			_, err := connA.Write([]byte("VIDEO OUTPUT LOCKS:\n0 O\n\n"))
			Expect(err).To(Succeed())

			Expect(readBlock(readerA)).To(Equal("ACK\n"))
			Expect(readBlock(readerA)).To(Equal("VIDEO OUTPUT LOCKS:\n0 O\n"))

			// B sees the same lock as 'L'.
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n0 L\n"))

			// B cannot route the locked destination.
			_, err = connB.Write([]byte("VIDEO OUTPUT ROUTING:\n0 5\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("NAK\n"))
			Expect(engine.State().Routes[0][0]).To(Equal(0))

			// A disconnects; its lock is released and broadcast.
			Expect(connA.Close()).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n0 U\n"))

			// B can now route it.
			_, err = connB.Write([]byte("VIDEO OUTPUT ROUTING:\n0 5\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("ACK\n"))
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT ROUTING:\n0 5\n"))
			Expect(engine.State().Routes[0][0]).To(Equal(5))
		})

		It("lets a non-owner take over with Own, per firmware behavior", func() {
			connA, readerA := connect()
			defer connA.Close()

			connB, readerB := connect()
			defer connB.Close()

			_, err := connA.Write([]byte("VIDEO OUTPUT LOCKS:\n4 O\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerA)).To(Equal("ACK\n"))
			Expect(readBlock(readerA)).To(Equal("VIDEO OUTPUT LOCKS:\n4 O\n"))
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n4 L\n"))

			_, err = connB.Write([]byte("VIDEO OUTPUT LOCKS:\n4 O\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("ACK\n"))
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n4 O\n"))
			Expect(readBlock(readerA)).To(Equal("VIDEO OUTPUT LOCKS:\n4 L\n"))
		})

		It("rejects Unlock from a non-owner", func() {
			connA, readerA := connect()
			defer connA.Close()

			connB, readerB := connect()
			defer connB.Close()

			_, err := connA.Write([]byte("VIDEO OUTPUT LOCKS:\n2 O\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerA)).To(Equal("ACK\n"))
			Expect(readBlock(readerA)).To(Equal("VIDEO OUTPUT LOCKS:\n2 O\n"))
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n2 L\n"))

			_, err = connB.Write([]byte("VIDEO OUTPUT LOCKS:\n2 U\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("NAK\n"))

			// Force works from anyone.
			_, err = connB.Write([]byte("VIDEO OUTPUT LOCKS:\n2 F\n\n"))
			Expect(err).To(Succeed())
			Expect(readBlock(readerB)).To(Equal("ACK\n"))
			Expect(readBlock(readerB)).To(Equal("VIDEO OUTPUT LOCKS:\n2 U\n"))
		})
	})

	Describe("UI-facing writes", func() {
		It("broadcasts local mutations on the same path as wire writes", func() {
			conn, r := connect()
			defer conn.Close()

			Expect(engine.SetRoute(6, 2, 0)).To(BeTrue())
			Expect(readBlock(r)).To(Equal("VIDEO OUTPUT ROUTING:\n6 2\n"))

			Expect(engine.SetInputLabel(1, "Replay")).To(BeTrue())
			Expect(readBlock(r)).To(Equal("INPUT LABELS:\n1 Replay\n"))
		})

		It("renders UI-held locks as L for peers", func() {
			conn, r := connect()
			defer conn.Close()

			Expect(engine.SetLock(3, matrix.LockOwn)).To(BeTrue())
			Expect(readBlock(r)).To(Equal("VIDEO OUTPUT LOCKS:\n3 L\n"))

			Expect(engine.State().Locks[3]).To(Equal(byte('O')))
		})
	})
})
