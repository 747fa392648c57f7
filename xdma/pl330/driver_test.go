package pl330_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/regs"
	"github.com/sarchlab/xdma/xdma"
	"github.com/sarchlab/xdma/xdma/pl330"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}

	return b
}

var _ = Describe("Driver", func() {
	var (
		mem    *physmem.Storage
		line   *regs.Line
		device *pl330.Device
		driver *pl330.Driver
		ctrl   *xdma.Controller

		mu   sync.Mutex
		done []xdma.Status
	)

	collect := func(_ *xdma.Channel, st xdma.Status) {
		mu.Lock()
		defer mu.Unlock()

		done = append(done, st)
	}

	completed := func() []xdma.Status {
		mu.Lock()
		defer mu.Unlock()

		return append([]xdma.Status(nil), done...)
	}

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetOutput(io.Discard)

		mem = physmem.NewStorage(1 * physmem.MB)
		line = regs.NewLine("pl330.irq")
		device = pl330.NewDevice("PL330", mem, line, 2)
		driver = pl330.MakeBuilder().
			WithRegisters(device.Registers()).
			WithMemory(mem).
			WithAllocator(physmem.NewAllocator(0xF0000, 0x10000)).
			WithInterrupt(line).
			WithLogger(logger).
			Build("PL330")
		ctrl = xdma.MakeBuilder().
			WithBackend(driver).
			WithLogger(logger).
			Build("DMA")

		mu.Lock()
		done = nil
		mu.Unlock()
	})

	AfterEach(func() {
		device.Close()
		line.Close()
	})

	It("should read the number of channels from the engine", func() {
		Expect(driver.NumChannels()).To(Equal(2))

		_, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = ctrl.AllocChannel(nil)
		Expect(err).To(MatchError(xdma.ErrNoCapacity))
	})

	It("should parse a single metadata cell", func() {
		meta, err := ctrl.ParseMetadata([]uint32{25})
		Expect(err).NotTo(HaveOccurred())
		Expect(meta).To(Equal(pl330.Metadata{PeriphID: 25}))

		_, err = ctrl.ParseMetadata([]uint32{25, 1})
		Expect(err).To(MatchError(xdma.ErrConfiguration))
	})

	It("should copy memory", func() {
		src := pattern(1203, 1)
		Expect(mem.Write(0x1000, src)).To(Succeed())

		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)

		Expect(ch.PrepMemcpy(0x1000, 0x8000, uint64(len(src)))).To(Succeed())
		Expect(ch.Begin()).To(Succeed())

		Eventually(completed).Should(HaveLen(1))

		got, err := mem.Read(0x8000, uint64(len(src)))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(src))

		_, st, err := ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Transferred).To(Equal(uint64(len(src))))
	})

	It("should run scatter-gather requests in order", func() {
		a := pattern(0x100, 3)
		b := pattern(0x2004, 9)
		Expect(mem.Write(0x10000, a)).To(Succeed())
		Expect(mem.Write(0x20000, b)).To(Succeed())

		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)
		Expect(ch.PrepScatterGather(4, 0x1000, 4)).To(Succeed())

		Expect(ch.Enqueue(busdma.Buffer{ID: "a", VAddr: 0x10000, Len: 0x100},
			0x40000, xdma.MemToMem)).To(Succeed())
		Expect(ch.Enqueue(busdma.Buffer{ID: "b", VAddr: 0x20000, Len: 0x2004},
			0x50000, xdma.MemToMem)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Expect(ch.WaitUntilDone(context.Background())).To(Succeed())

		got, _ := mem.Read(0x40000, 0x100)
		Expect(got).To(Equal(a))
		got, _ = mem.Read(0x50000, 0x2004)
		Expect(got).To(Equal(b))

		buf, st, err := ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.ID).To(Equal("a"))
		Expect(st.Transferred).To(Equal(uint64(0x100)))

		buf, st, err = ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.ID).To(Equal("b"))
		Expect(st.Transferred).To(Equal(uint64(0x2004)))
	})

	It("should refuse addresses beyond 32 bits", func() {
		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.PrepScatterGather(4, 0x1000, 4)).To(Succeed())

		Expect(ch.Enqueue(busdma.Buffer{ID: "a", VAddr: 0x10000, Len: 0x100},
			1<<32, xdma.MemToMem)).To(Succeed())
		Expect(ch.Submit()).To(MatchError(xdma.ErrConfiguration))

		ch.Descriptors(func(_ int, d xdma.Descriptor) {
			Expect(d.Owner).To(Equal(xdma.OwnerConsumer))
		})

		_, _, err = ch.Dequeue()
		Expect(err).To(MatchError(xdma.ErrEmpty))
	})

	It("should pace device transfers by the peripheral", func() {
		var (
			requests atomic.Int32
			periphs  sync.Map
		)

		release := make(chan struct{})
		device.SetPeripheral(func(ctx context.Context, periph int) error {
			periphs.Store(periph, true)
			requests.Add(1)

			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		Expect(mem.Write(0x3000, pattern(16, 5))).To(Succeed())

		meta, _ := ctrl.ParseMetadata([]uint32{5})
		ch, err := ctrl.AllocChannel(meta)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)
		Expect(ch.PrepScatterGather(1, 0, 1)).To(Succeed())

		Expect(ch.Capacity()).To(Equal(uint64(pl330.IdleCapacity)))

		Expect(ch.Enqueue(busdma.Buffer{ID: "tx", VAddr: 0x3000, Len: 16},
			0x9000, xdma.MemToDev)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Eventually(requests.Load).Should(BeNumerically(">=", 1))
		Expect(ch.Capacity()).To(Equal(uint64(0)))

		close(release)
		Eventually(completed).Should(HaveLen(1))
		Expect(requests.Load()).To(Equal(int32(4)))

		_, ok := periphs.Load(5)
		Expect(ok).To(BeTrue())

		got, _ := mem.Read(0x9000, 4)
		Expect(got).To(Equal(pattern(16, 5)[12:16]))
		Eventually(ch.Capacity).Should(Equal(uint64(pl330.IdleCapacity)))
	})

	It("should fail a faulting request and keep draining", func() {
		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)
		Expect(ch.PrepScatterGather(2, 0, 1)).To(Succeed())

		Expect(ch.Enqueue(busdma.Buffer{ID: "bad", VAddr: 0x3000, Len: 16},
			0xFFFF0000, xdma.DevToMem)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Eventually(completed).Should(HaveLen(1))

		_, st, err := ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Err).To(MatchError(xdma.ErrProtocol))

		Expect(mem.Write(0x4000, pattern(8, 2))).To(Succeed())
		Expect(ch.Enqueue(busdma.Buffer{ID: "good", VAddr: 0x5000, Len: 8},
			0x4000, xdma.DevToMem)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Eventually(completed).Should(HaveLen(2))

		_, st, err = ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Failed()).To(BeFalse())

		got, _ := mem.Read(0x5004, 4)
		Expect(got).To(Equal(pattern(8, 2)[0:4]))
	})

	It("should repeat cyclic periods until terminated", func() {
		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)

		Expect(ch.PrepCyclic(xdma.Config{
			Direction: xdma.MemToDev,
			SrcAddr:   0x6000,
			DstAddr:   0x9100,
			BlockLen:  0x40,
			BlockNum:  3,
		})).To(Succeed())
		Expect(ch.Begin()).To(Succeed())

		Eventually(func() int { return len(completed()) }).
			Should(BeNumerically(">=", 7))

		Expect(ch.Terminate()).To(Succeed())
		n := len(completed())
		Consistently(func() int { return len(completed()) }).Should(Equal(n))

		for _, st := range completed() {
			Expect(st.Transferred).To(Equal(uint64(0x40)))
		}
	})

	It("should stop a running program on terminate", func() {
		device.SetPeripheral(func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		})

		meta, _ := ctrl.ParseMetadata([]uint32{1})
		ch, err := ctrl.AllocChannel(meta)
		Expect(err).NotTo(HaveOccurred())
		ch.SetupIntr(collect)
		Expect(ch.PrepScatterGather(1, 0, 1)).To(Succeed())
		Expect(ch.Enqueue(busdma.Buffer{ID: "rx", VAddr: 0x3000, Len: 16},
			0x9000, xdma.DevToMem)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Eventually(func() uint32 {
			return device.Registers().Get(pl330.CSR(ch.HWIndex()))
		}).Should(Equal(uint32(pl330.CSRWFP)))

		Expect(ch.Terminate()).To(Succeed())
		Expect(device.Registers().Get(pl330.CSR(ch.HWIndex()))).
			To(Equal(uint32(pl330.CSRStopped)))

		_, st, err := ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Err).To(MatchError(xdma.ErrCancelled))
		Expect(completed()).To(BeEmpty())

		Expect(ctrl.FreeChannel(ch)).To(Succeed())
	})
})
