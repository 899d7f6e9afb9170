package settings_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/kestrelmedia/crossbar/settings"
)

var _ = Describe("Settings", func() {
	It("round-trips through Marshal and Parse", func() {
		in := settings.Default()
		in.Protocol = "swp08"
		in.Port = 8910
		in.AutoStart = false
		in.ControllerHost = "10.0.0.5"
		in.ControllerPort = 9990
		in.Touch("10.0.0.5", 9990, "videohub")

		data, err := in.Marshal()
		Expect(err).To(Succeed())

		out := settings.Parse(data)
		Expect(out).To(Equal(in))
	})

	It("marshals valid JSON with an explicit empty history", func() {
		data, err := settings.Default().Marshal()
		Expect(err).To(Succeed())

		Expect(gjson.ValidBytes(data)).To(BeTrue())
		Expect(gjson.GetBytes(data, "router_history").IsArray()).To(BeTrue())
	})

	It("loads defaults when the file does not exist", func() {
		s, err := settings.Load(filepath.Join(os.TempDir(), "definitely-not-here.json"))
		Expect(err).To(Succeed())
		Expect(s).To(Equal(settings.Default()))
	})

	It("saves and loads from disk", func() {
		dir, err := os.MkdirTemp("", "crossbar-settings")
		Expect(err).To(Succeed())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "crossbar.json")

		in := settings.Default()
		in.FriendlyName = "Studio Hub"

		Expect(in.Save(path)).To(Succeed())

		out, err := settings.Load(path)
		Expect(err).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("parses partial blobs over defaults", func() {
		s := settings.Parse([]byte(`{"protocol":"gvnative","port":12345}`))

		Expect(s.Protocol).To(Equal("gvnative"))
		Expect(s.Port).To(Equal(12345))
		Expect(s.Inputs).To(Equal(12))
		Expect(s.AutoStart).To(BeTrue())
		Expect(s.AutoReconnect).To(BeTrue())
	})

	Describe("Touch()", func() {
		It("promotes the most recent router to the front", func() {
			s := settings.Default()
			s.Touch("a", 1, "videohub")
			s.Touch("b", 2, "swp08")

			Expect(s.RouterHistory[0]).To(Equal(settings.HistoryEntry{Host: "b", Port: 2, Protocol: "swp08"}))
			Expect(s.RouterHistory[1]).To(Equal(settings.HistoryEntry{Host: "a", Port: 1, Protocol: "videohub"}))
		})

		It("deduplicates by the full (host, port, protocol) triple", func() {
			s := settings.Default()
			s.Touch("a", 1, "videohub")
			s.Touch("a", 1, "swp08")
			s.Touch("a", 1, "videohub")

			Expect(s.RouterHistory).To(HaveLen(2))
			Expect(s.RouterHistory[0].Protocol).To(Equal("videohub"))
		})

		It("caps the history at ten entries", func() {
			s := settings.Default()

			for i := 0; i < 15; i++ {
				s.Touch("host", i, "videohub")
			}

			Expect(s.RouterHistory).To(HaveLen(settings.MaxHistory))
			Expect(s.RouterHistory[0].Port).To(Equal(14))
		})
	})
})
