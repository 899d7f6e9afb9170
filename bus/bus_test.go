package bus_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
)

var _ = Describe("Bus", func() {
	It("fans one event out to every subscriber", func() {
		b := bus.New(zap.NewNop())
		defer b.Close()

		first := b.Subscribe()
		second := b.Subscribe()

		b.Publish(bus.ServerStarted{Port: 9990})

		Expect(<-first.C).To(Equal(bus.ServerStarted{Port: 9990}))
		Expect(<-second.C).To(Equal(bus.ServerStarted{Port: 9990}))
	})

	It("preserves publish order per subscriber", func() {
		b := bus.New(zap.NewNop())
		defer b.Close()

		sub := b.Subscribe()

		b.Publish(bus.RouterReconnecting{Attempt: 1})
		b.Publish(bus.RouterReconnecting{Attempt: 2})
		b.Publish(bus.RouterReconnecting{Attempt: 3})

		for want := 1; want <= 3; want++ {
			event := <-sub.C
			Expect(event).To(Equal(bus.RouterReconnecting{Attempt: want}))
		}
	})

	It("drops events and degrades a subscriber that falls behind", func() {
		b := bus.New(zap.NewNop())
		defer b.Close()

		sub := b.SubscribeBuffered(2)

		b.Publish(bus.ServerStopped{})
		b.Publish(bus.ServerStopped{})
		b.Publish(bus.ServerStopped{}) // over the high-water mark

		Expect(sub.Degraded()).To(BeTrue())

		// The queued events are still delivered.
		Expect(<-sub.C).To(Equal(bus.Event(bus.ServerStopped{})))
		Expect(<-sub.C).To(Equal(bus.Event(bus.ServerStopped{})))
	})

	It("never blocks a publisher on a full queue", func() {
		b := bus.New(zap.NewNop())
		defer b.Close()

		b.SubscribeBuffered(1)

		done := make(chan struct{})

		go func() {
			for i := 0; i < 100; i++ {
				b.Publish(bus.ServerStopped{})
			}
			close(done)
		}()

		Eventually(done).Should(BeClosed())
	})

	It("closes subscriber channels on Close", func() {
		b := bus.New(zap.NewNop())

		sub := b.Subscribe()
		b.Close()

		Eventually(sub.C).Should(BeClosed())
	})

	It("stops delivering after a subscriber closes itself", func() {
		b := bus.New(zap.NewNop())
		defer b.Close()

		sub := b.Subscribe()
		sub.Close()

		b.Publish(bus.ServerStopped{})

		Eventually(sub.C).Should(BeClosed())
	})
})
