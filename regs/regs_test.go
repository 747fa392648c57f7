package regs_test

import (
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xdma/regs"
)

var _ = Describe("Bank", func() {
	var bank *regs.Bank

	BeforeEach(func() {
		bank = regs.NewBank("dev")
	})

	It("should store values", func() {
		bank.Write32(0x10, 0xdead)
		Expect(bank.Read32(0x10)).To(Equal(uint32(0xdead)))
		Expect(bank.Read32(0x14)).To(Equal(uint32(0)))
	})

	It("should run read hooks", func() {
		bank.OnRead(0x0, func(off uint32) uint32 {
			return bank.Get(0x4) + 1
		})
		bank.Set(0x4, 41)

		Expect(bank.Read32(0x0)).To(Equal(uint32(42)))
	})

	It("should run write hooks after storing", func() {
		bank.OnWrite(0x8, func(off, v uint32) {
			bank.ClearBits(0xc, v)
		})
		bank.Set(0xc, 0xff)

		bank.Write32(0x8, 0x0f)

		Expect(bank.Get(0xc)).To(Equal(uint32(0xf0)))
		Expect(bank.Get(0x8)).To(Equal(uint32(0x0f)))
	})

	It("should set bits", func() {
		Expect(bank.SetBits(0x0, 0x3)).To(Equal(uint32(0x3)))
		Expect(bank.SetBits(0x0, 0x4)).To(Equal(uint32(0x7)))
	})
})

var _ = Describe("Line", func() {
	var line *regs.Line

	BeforeEach(func() {
		line = regs.NewLine("irq0")
	})

	AfterEach(func() {
		line.Close()
	})

	It("should deliver raises to the handler", func() {
		var count atomic.Int32
		line.Attach(func() { count.Add(1) })

		line.Raise()

		Eventually(count.Load).Should(Equal(int32(1)))
	})

	It("should never nest handler runs", func() {
		var running, nested, runs atomic.Int32
		release := make(chan struct{})

		line.Attach(func() {
			if running.Add(1) > 1 {
				nested.Add(1)
			}
			runs.Add(1)
			<-release
			running.Add(-1)
		})

		line.Raise()
		Eventually(runs.Load).Should(Equal(int32(1)))
		line.Raise()
		line.Raise()
		close(release)

		Eventually(runs.Load).Should(Equal(int32(2)))
		Consistently(runs.Load).Should(Equal(int32(2)))
		Expect(nested.Load()).To(Equal(int32(0)))
	})

	It("should ignore raises when masked or closed", func() {
		line.Raise()
		line.Close()
		line.Raise()
	})
})
