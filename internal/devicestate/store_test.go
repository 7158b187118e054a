package devicestate_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"procodus.dev/carewatch/internal/devicestate"
	"procodus.dev/carewatch/internal/geofence"
)

// storeBehaviour runs the contract shared by every Store backend.
func storeBehaviour(newStore func() devicestate.Store) {
	var (
		ctx   context.Context
		store devicestate.Store
		t0    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	It("should return an unknown state on first contact", func() {
		prev, err := store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", Latitude: 1, Longitude: 2, ObservedAt: t0, Containment: geofence.Inside,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(prev.Known()).To(BeFalse())
		Expect(prev.Containment).To(Equal(geofence.Unknown))
		Expect(prev.LastFallAlertAt).To(BeNil())
	})

	It("should return the state as it was before the write", func() {
		_, err := store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", Latitude: 1.5, Longitude: -2.25, ObservedAt: t0, Containment: geofence.Inside,
		})
		Expect(err).NotTo(HaveOccurred())

		prev, err := store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", Latitude: 3, Longitude: 4, ObservedAt: t0.Add(time.Second), Containment: geofence.Outside,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(prev.Latitude).To(Equal(1.5))
		Expect(prev.Longitude).To(Equal(-2.25))
		Expect(prev.UpdatedAt.Equal(t0)).To(BeTrue())
		Expect(prev.Containment).To(Equal(geofence.Inside))

		current, found, err := store.Get(ctx, "watch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(current.Containment).To(Equal(geofence.Outside))
		Expect(current.Position()).To(Equal(geofence.Point{Latitude: 3, Longitude: 4}))
	})

	It("should keep the containment when the update carries Unknown", func() {
		_, err := store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", ObservedAt: t0, Containment: geofence.Outside,
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", Latitude: 9, ObservedAt: t0.Add(time.Second),
		})
		Expect(err).NotTo(HaveOccurred())

		current, _, err := store.Get(ctx, "watch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(current.Containment).To(Equal(geofence.Outside))
		Expect(current.Latitude).To(Equal(9.0))
	})

	It("should record fall alerts", func() {
		Expect(store.RecordFallAlert(ctx, "watch-1", t0)).To(Succeed())

		current, found, err := store.Get(ctx, "watch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(current.LastFallAlertAt).NotTo(BeNil())
		Expect(current.LastFallAlertAt.Equal(t0)).To(BeTrue())
	})

	It("should reject an empty device id", func() {
		_, err := store.UpdateAndSwap(ctx, devicestate.Update{})
		Expect(err).To(MatchError(devicestate.ErrEmptyDeviceID))
		Expect(store.RecordFallAlert(ctx, "", t0)).To(MatchError(devicestate.ErrEmptyDeviceID))
	})

	It("should report a missing device as not found", func() {
		st, found, err := store.Get(ctx, "ghost")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
		Expect(st.DeviceID).To(Equal("ghost"))
	})

	It("should handle concurrent devices independently", func() {
		var wg sync.WaitGroup
		for d := range 8 {
			wg.Add(1)
			go func(d int) {
				defer GinkgoRecover()
				defer wg.Done()
				id := fmt.Sprintf("watch-%d", d)
				for i := range 25 {
					_, err := store.UpdateAndSwap(ctx, devicestate.Update{
						DeviceID: id, Latitude: float64(i), ObservedAt: t0.Add(time.Duration(i) * time.Second),
					})
					Expect(err).NotTo(HaveOccurred())
				}
			}(d)
		}
		wg.Wait()

		for d := range 8 {
			st, found, err := store.Get(ctx, fmt.Sprintf("watch-%d", d))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(st.Latitude).To(Equal(24.0))
		}
	})
}

var _ = Describe("MemoryStore", func() {
	storeBehaviour(func() devicestate.Store { return devicestate.NewMemoryStore() })

	Describe("Evict", func() {
		It("should remove only idle devices and reset them to unknown", func() {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			clock := t0
			store := devicestate.NewMemoryStoreWithClock(func() time.Time { return clock })

			_, _ = store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "old", ObservedAt: t0, Containment: geofence.Outside})
			clock = t0.Add(time.Hour)
			_, _ = store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "fresh", ObservedAt: t0.Add(time.Hour), Containment: geofence.Inside})

			n, err := store.Evict(ctx, t0.Add(30*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(store.Len()).To(Equal(1))

			prev, err := store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "old", ObservedAt: t0.Add(2 * time.Hour)})
			Expect(err).NotTo(HaveOccurred())
			Expect(prev.Containment).To(Equal(geofence.Unknown))
		})

		It("should measure idleness on the store clock, not the device clock", func() {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := devicestate.NewMemoryStoreWithClock(func() time.Time { return now })

			_, err := store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "lagging", ObservedAt: now.Add(-2 * time.Hour), Containment: geofence.Outside})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.RecordFallAlert(ctx, "replayed", now.Add(-3*time.Hour))).To(Succeed())

			n, err := store.Evict(ctx, now.Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			st, found, err := store.Get(ctx, "lagging")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(st.Containment).To(Equal(geofence.Outside))
		})

		It("should not lose updates racing with eviction", func() {
			ctx := context.Background()
			store := devicestate.NewMemoryStore()
			now := time.Now()

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := range 200 {
					_, _ = store.UpdateAndSwap(ctx, devicestate.Update{
						DeviceID: "watch-1", Latitude: float64(i), ObservedAt: now,
					})
				}
			}()
			go func() {
				defer wg.Done()
				for range 200 {
					_, _ = store.Evict(ctx, now.Add(-time.Hour))
				}
			}()
			wg.Wait()

			st, found, err := store.Get(ctx, "watch-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(st.Latitude).To(Equal(199.0))
		})
	})

	Describe("Janitor", func() {
		It("should evict idle devices on its interval", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store := devicestate.NewMemoryStoreWithClock(func() time.Time { return time.Now().Add(-time.Hour) })
			_, _ = store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "old", ObservedAt: time.Now()})

			janitor := devicestate.NewJanitor(store, time.Minute, 10*time.Millisecond, slog.New(slog.NewTextHandler(GinkgoWriter, nil)))
			go janitor.Run(ctx)

			Eventually(store.Len).Should(BeZero())
		})
	})
})

var _ = Describe("RedisStore", func() {
	var mr *miniredis.Miniredis

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)
	})

	newStore := func(ttl time.Duration) *devicestate.RedisStore {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
		store, err := devicestate.NewRedisStore(&devicestate.RedisConfig{Client: client, TTL: ttl})
		Expect(err).NotTo(HaveOccurred())
		return store
	}

	storeBehaviour(func() devicestate.Store { return newStore(0) })

	It("should expire idle devices through the key ttl", func() {
		ctx := context.Background()
		store := newStore(time.Minute)

		_, err := store.UpdateAndSwap(ctx, devicestate.Update{
			DeviceID: "watch-1", ObservedAt: time.Now(), Containment: geofence.Outside,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mr.TTL("carewatch:device:watch-1")).To(Equal(time.Minute))

		mr.FastForward(2 * time.Minute)

		prev, err := store.UpdateAndSwap(ctx, devicestate.Update{DeviceID: "watch-1", ObservedAt: time.Now()})
		Expect(err).NotTo(HaveOccurred())
		Expect(prev.Containment).To(Equal(geofence.Unknown))
	})

	It("should report malformed stored state", func() {
		ctx := context.Background()
		store := newStore(0)
		mr.HSet("carewatch:device:watch-1", "lat", "north")

		_, _, err := store.Get(ctx, "watch-1")
		Expect(err).To(MatchError(ContainSubstring("malformed latitude")))
	})

	It("should validate its configuration", func() {
		_, err := devicestate.NewRedisStore(nil)
		Expect(err).To(HaveOccurred())
		_, err = devicestate.NewRedisStore(&devicestate.RedisConfig{})
		Expect(err).To(MatchError(ContainSubstring("client")))
	})
})
