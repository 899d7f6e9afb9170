package matrix_test

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
)

func makeModel() *matrix.Model {
	return matrix.New(matrix.Config{Inputs: 12, Outputs: 12, Levels: 2})
}

var _ = Describe("Model", func() {
	Describe("New()", func() {
		It("initializes identity routing up to the input count", func() {
			m := matrix.New(matrix.Config{Inputs: 4, Outputs: 8, Levels: 1})
			s := m.Snapshot(matrix.Local)

			for d := 0; d < 4; d++ {
				Expect(s.Routes[0][d]).To(Equal(d))
			}

			for d := 4; d < 8; d++ {
				Expect(s.Routes[0][d]).To(Equal(0))
			}
		})

		It("defaults level names", func() {
			m := matrix.New(matrix.Config{Inputs: 4, Outputs: 4, Levels: 3})
			s := m.Snapshot(matrix.Local)

			Expect(s.LevelNames).To(Equal([]string{"Video", "Audio 1", "Audio 2"}))
		})

		It("generates a unique id", func() {
			m := matrix.New(matrix.Config{Inputs: 1, Outputs: 1, Levels: 1})
			Expect(m.Device().UniqueID).NotTo(BeEmpty())
		})

		It("keeps every route inside the input bound", func() {
			m := makeModel()
			s := m.Snapshot(matrix.Local)

			for l := 0; l < s.Levels; l++ {
				for d := 0; d < s.Outputs; d++ {
					Expect(s.Routes[l][d]).To(BeNumerically(">=", 0))
					Expect(s.Routes[l][d]).To(BeNumerically("<", s.Inputs))
				}
			}
		})
	})

	Describe("ApplyRoutes()", func() {
		It("applies in-bounds entries and skips the rest", func() {
			m := makeModel()

			applied := m.ApplyRoutes([]bus.RouteChange{
				{Level: 0, Dest: 3, Src: 7},
				{Level: 0, Dest: 3, Src: 99},
				{Level: 5, Dest: 0, Src: 0},
			}, matrix.Local)

			Expect(applied).To(Equal([]bus.RouteChange{{Level: 0, Dest: 3, Src: 7}}))

			src, ok := m.Route(0, 3)
			Expect(ok).To(BeTrue())
			Expect(src).To(Equal(7))
		})

		It("reports a write of the current value as applied", func() {
			m := makeModel()

			applied := m.ApplyRoutes([]bus.RouteChange{{Level: 0, Dest: 2, Src: 2}}, matrix.Local)
			Expect(applied).To(HaveLen(1))
		})

		It("rejects writes to a destination locked by another caller", func() {
			m := makeModel()
			owner := matrix.PeerID(7)
			other := matrix.PeerID(8)

			Expect(m.SetLock(0, matrix.LockOwn, owner)).To(BeTrue())

			Expect(m.SetRoute(0, 0, 5, other)).To(BeFalse())
			Expect(m.SetRoute(0, 0, 5, owner)).To(BeTrue())
		})
	})

	Describe("locks", func() {
		It("transfers ownership on Own even when already locked", func() {
			m := makeModel()

			Expect(m.SetLock(1, matrix.LockOwn, 7)).To(BeTrue())
			Expect(m.SetLock(1, matrix.LockOwn, 8)).To(BeTrue())
			Expect(m.LockOwner(1)).To(Equal(matrix.PeerID(8)))
		})

		It("rejects Unlock from a non-owner", func() {
			m := makeModel()

			Expect(m.SetLock(1, matrix.LockOwn, 7)).To(BeTrue())
			Expect(m.SetLock(1, matrix.LockUnlock, 8)).To(BeFalse())
			Expect(m.LockOwner(1)).To(Equal(matrix.PeerID(7)))
		})

		It("accepts Unlock when already unlocked", func() {
			m := makeModel()
			Expect(m.SetLock(1, matrix.LockUnlock, 8)).To(BeTrue())
		})

		It("Force releases regardless of owner", func() {
			m := makeModel()

			Expect(m.SetLock(1, matrix.LockOwn, 7)).To(BeTrue())
			Expect(m.SetLock(1, matrix.LockForce, 8)).To(BeTrue())
			Expect(m.LockOwner(1)).To(Equal(matrix.Nobody))
		})

		It("renders the lock column per viewer", func() {
			m := makeModel()

			Expect(m.SetLock(0, matrix.LockOwn, 7)).To(BeTrue())

			Expect(m.Snapshot(7).Locks[0]).To(Equal(byte('O')))
			Expect(m.Snapshot(8).Locks[0]).To(Equal(byte('L')))
			Expect(m.Snapshot(7).Locks[1]).To(Equal(byte('U')))
		})

		It("releases every lock a caller holds on disconnect", func() {
			m := makeModel()

			Expect(m.SetLock(0, matrix.LockOwn, 7)).To(BeTrue())
			Expect(m.SetLock(5, matrix.LockOwn, 7)).To(BeTrue())
			Expect(m.SetLock(6, matrix.LockOwn, 8)).To(BeTrue())

			released := m.ReleaseAllLocksHeldBy(7)
			Expect(released).To(HaveLen(2))

			s := m.Snapshot(9)
			Expect(s.Locks[0]).To(Equal(byte('U')))
			Expect(s.Locks[5]).To(Equal(byte('U')))
			Expect(s.Locks[6]).To(Equal(byte('L')))
			Expect(s.LockOwners).NotTo(ContainElement(matrix.PeerID(7)))
		})
	})

	Describe("labels", func() {
		It("writes in-bounds labels", func() {
			m := makeModel()

			Expect(m.SetInputLabel(0, "Camera 1")).To(BeTrue())
			Expect(m.SetOutputLabel(11, "Monitor")).To(BeTrue())
			Expect(m.SetInputLabel(12, "nope")).To(BeFalse())

			s := m.Snapshot(matrix.Local)
			Expect(s.InputLabels[0]).To(Equal("Camera 1"))
			Expect(s.OutputLabels[11]).To(Equal("Monitor"))
		})

		It("writes level names", func() {
			m := makeModel()

			Expect(m.SetLevelName(1, "AES Audio")).To(BeTrue())
			Expect(m.SetLevelName(5, "nope")).To(BeFalse())

			Expect(m.Snapshot(matrix.Local).LevelNames[1]).To(Equal("AES Audio"))
		})
	})

	Describe("Subscribe()", func() {
		It("delivers one event per mutation in mutation order", func() {
			m := makeModel()

			var mu sync.Mutex
			var events []bus.Event

			unsubscribe := m.Subscribe(func(e bus.Event) {
				mu.Lock()
				events = append(events, e)
				mu.Unlock()
			})
			defer unsubscribe()

			m.SetRoute(0, 1, 2, matrix.Local)
			m.SetLock(1, matrix.LockOwn, 7)
			m.SetInputLabel(0, "Cam")

			mu.Lock()
			defer mu.Unlock()

			Expect(events).To(HaveLen(3))
			Expect(events[0]).To(BeAssignableToTypeOf(bus.RoutingChanged{}))
			Expect(events[1]).To(BeAssignableToTypeOf(bus.LocksChanged{}))
			Expect(events[2]).To(BeAssignableToTypeOf(bus.InputLabelsChanged{}))
		})

		It("does not notify for fully rejected batches", func() {
			m := makeModel()

			count := 0
			unsubscribe := m.Subscribe(func(bus.Event) { count++ })
			defer unsubscribe()

			m.ApplyRoutes([]bus.RouteChange{{Level: 0, Dest: 3, Src: 99}}, matrix.Local)
			Expect(count).To(Equal(0))
		})
	})

	Describe("concurrent writers", func() {
		It("serializes overlapping route writes to a final consistent value", func() {
			m := makeModel()

			var wg sync.WaitGroup

			for caller := 2; caller < 10; caller++ {
				wg.Add(1)

				go func(caller int) {
					defer wg.Done()

					for src := 0; src < 12; src++ {
						m.SetRoute(0, 4, src, matrix.PeerID(caller))
					}
				}(caller)
			}

			wg.Wait()

			src, ok := m.Route(0, 4)
			Expect(ok).To(BeTrue())
			Expect(src).To(BeNumerically(">=", 0))
			Expect(src).To(BeNumerically("<", 12))
		})
	})

	Describe("Reconfigure()", func() {
		It("keeps routing state on a name-only change", func() {
			m := makeModel()

			m.SetRoute(0, 3, 7, matrix.Local)
			m.Reconfigure(matrix.Config{
				Inputs: 12, Outputs: 12, Levels: 2,
				FriendlyName: "Renamed",
			})

			Expect(m.Device().FriendlyName).To(Equal("Renamed"))

			src, ok := m.Route(0, 3)
			Expect(ok).To(BeTrue())
			Expect(src).To(Equal(7))
		})

		It("re-dimensions and resets state", func() {
			m := makeModel()

			m.SetRoute(0, 3, 7, matrix.Local)
			m.Reconfigure(matrix.Config{Inputs: 6, Outputs: 6, Levels: 1})

			s := m.Snapshot(matrix.Local)
			Expect(s.Inputs).To(Equal(6))
			Expect(s.Outputs).To(Equal(6))
			Expect(s.Routes[0][3]).To(Equal(3))
		})
	})
})
