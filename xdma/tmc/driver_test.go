package tmc_test

import (
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xdma/physmem"
	"github.com/sarchlab/xdma/xdma"
	"github.com/sarchlab/xdma/xdma/tmc"
)

func trace(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed ^ byte(i)
	}

	return b
}

var _ = Describe("Driver", func() {
	const (
		base = 0x40000
		size = 0x1000
	)

	var (
		logger *logrus.Logger
		mem    *physmem.Storage
		device *tmc.Device
		driver *tmc.Driver
		ctrl   *xdma.Controller
		ch     *xdma.Channel
	)

	build := func() {
		driver = tmc.MakeBuilder().
			WithRegisters(device.Registers()).
			WithLogger(logger).
			WithPollRetries(10).
			Build("TMC")
		ctrl = xdma.MakeBuilder().
			WithBackend(driver).
			WithLogger(logger).
			Build("Trace")
	}

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetOutput(io.Discard)

		mem = physmem.NewStorage(1 * physmem.MB)
		device = tmc.NewDevice("TMC", mem, tmc.DevIDConfigTypeETR)
		build()

		var err error
		ch, err = ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
	})

	prep := func() {
		Expect(ch.PrepFIFO(xdma.Config{
			Direction: xdma.DevToMem,
			DstAddr:   base,
			BlockLen:  size / 4,
			BlockNum:  4,
		})).To(Succeed())
	}

	It("should have a single capture path", func() {
		_, err := ctrl.AllocChannel(nil)
		Expect(err).To(MatchError(xdma.ErrNoCapacity))
	})

	It("should only stream", func() {
		Expect(ch.PrepScatterGather(4, 0, 1)).To(MatchError(xdma.ErrConfiguration))
		Expect(ch.PrepCyclic(xdma.Config{BlockLen: 4, BlockNum: 1})).
			To(MatchError(xdma.ErrConfiguration))
	})

	It("should reject a buffer the router cannot address", func() {
		Expect(ch.PrepFIFO(xdma.Config{
			Direction: xdma.MemToDev,
			DstAddr:   base,
			BlockLen:  size,
			BlockNum:  1,
		})).To(MatchError(xdma.ErrConfiguration))

		Expect(ch.PrepFIFO(xdma.Config{
			Direction: xdma.DevToMem,
			DstAddr:   base + 2,
			BlockLen:  size,
			BlockNum:  1,
		})).To(MatchError(xdma.ErrConfiguration))
	})

	It("should program the router on begin", func() {
		prep()
		Expect(ch.Begin()).To(Succeed())

		r := device.Registers()
		Expect(device.Unlocked()).To(BeTrue())
		Expect(device.Capturing()).To(BeTrue())
		Expect(r.Get(tmc.MODE)).To(Equal(tmc.ModeCircularBuffer))
		Expect(r.Get(tmc.TRG)).To(Equal(uint32(8)))
		Expect(r.Get(tmc.RSZ)).To(Equal(uint32(size / 4)))
		Expect(r.Get(tmc.DBALO)).To(Equal(uint32(base)))
		Expect(r.Get(tmc.DBAHI)).To(Equal(uint32(0)))
		Expect(r.Get(tmc.RWP)).To(Equal(uint32(base)))
		Expect(r.Get(tmc.RRP)).To(Equal(uint32(base)))
		Expect(r.Get(tmc.AXICTL)).To(Equal(tmc.AXICTLProtCtrlBit1 |
			tmc.AXICTLWrBurstLen16 | tmc.AXICTLAXCacheOS))
		Expect(r.Get(tmc.FFCR)).To(Equal(tmc.FFCREnFmt | tmc.FFCREnTI |
			tmc.FFCRFOnFlIn | tmc.FFCRFOnTrigEvt | tmc.FFCRTrigOnTrgIn))
		Expect(r.Get(tmc.STS) & tmc.STSFull).To(BeZero())
	})

	It("should report the write position", func() {
		prep()
		Expect(ch.Begin()).To(Succeed())

		pos, err := ch.StreamPosition()
		Expect(err).NotTo(HaveOccurred())
		Expect(pos).To(Equal(xdma.StreamPosition{}))

		data := trace(0x140, 0x5A)
		Expect(device.Emit(data)).To(Equal(len(data)))

		pos, err = ch.StreamPosition()
		Expect(err).NotTo(HaveOccurred())
		Expect(pos).To(Equal(xdma.StreamPosition{Offset: 0x140}))
		Expect(ch.Capacity()).To(Equal(uint64(size - 0x140)))

		got, _ := mem.Read(base, 0x140)
		Expect(got).To(Equal(data))
	})

	It("should start a new cycle when the buffer wraps", func() {
		prep()
		Expect(ch.Begin()).To(Succeed())

		Expect(device.Emit(trace(size-0x10, 1))).To(Equal(size - 0x10))
		Expect(device.Emit(trace(0x30, 2))).To(Equal(0x30))

		got, _ := mem.Read(base, 0x20)
		Expect(got).To(Equal(trace(0x30, 2)[0x10:]))
		Expect(ch.Capacity()).To(Equal(uint64(0)))

		pos, err := ch.StreamPosition()
		Expect(err).NotTo(HaveOccurred())
		Expect(pos).To(Equal(xdma.StreamPosition{Offset: 0, Cycle: 1}))
		Expect(device.Capturing()).To(BeTrue())
		Expect(device.Registers().Get(tmc.RWP)).To(Equal(uint32(base)))

		Expect(device.Emit(trace(0x8, 3))).To(Equal(8))

		pos, err = ch.StreamPosition()
		Expect(err).NotTo(HaveOccurred())
		Expect(pos).To(Equal(xdma.StreamPosition{Offset: 8, Cycle: 1}))
	})

	It("should stop capture on pause and terminate", func() {
		prep()
		Expect(ch.Begin()).To(Succeed())

		Expect(ch.Pause()).To(Succeed())
		Expect(device.Capturing()).To(BeFalse())
		Expect(device.Emit(trace(4, 0))).To(Equal(0))

		Expect(ch.Begin()).To(Succeed())
		Expect(device.Capturing()).To(BeTrue())

		Expect(ch.Terminate()).To(Succeed())
		Expect(device.Capturing()).To(BeFalse())

		_, err := ch.StreamPosition()
		Expect(err).To(MatchError(xdma.ErrConfiguration))
		Expect(ctrl.FreeChannel(ch)).To(Succeed())
	})

	It("should time out when the controller does not become ready", func() {
		prep()
		Expect(ch.Begin()).To(Succeed())

		device.SetReadyDelay(100)
		Expect(ch.Pause()).To(MatchError(xdma.ErrBackendTimeout))
	})

	It("should time out when capture does not start", func() {
		prep()
		device.RefuseCapture(true)

		Expect(ch.Begin()).To(MatchError(xdma.ErrBackendTimeout))
		Expect(ch.State()).To(Equal(xdma.Configured))
	})

	Context("as a trace FIFO", func() {
		BeforeEach(func() {
			device = tmc.NewDevice("ETF", mem, tmc.DevIDConfigTypeETF)
			build()
		})

		It("should be configured when built", func() {
			Expect(driver.ConfigType()).To(Equal(tmc.DevIDConfigTypeETF))
			Expect(device.Capturing()).To(BeTrue())
			Expect(device.Registers().Get(tmc.MODE)).To(Equal(tmc.ModeHWFIFO))
			Expect(device.Registers().Get(tmc.BUFWM)).To(Equal(uint32(0x7FF)))

			_, err := ctrl.AllocChannel(nil)
			Expect(err).To(MatchError(xdma.ErrNoCapacity))
		})
	})
})
