package tracing

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/xdma/hooking"
	"github.com/sarchlab/xdma/xdma"
)

type fakeChannel struct {
	hooking.HookableBase
	name string
}

func (c *fakeChannel) Name() string {
	return c.name
}

func (c *fakeChannel) fire(pos *hooking.HookPos, item any) {
	c.InvokeHook(hooking.HookCtx{Domain: c, Pos: pos, Item: item})
}

type tickingClock struct {
	now time.Time
}

func (c *tickingClock) CurrentTime() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

var _ = Describe("CollectTrace", func() {
	var (
		mockCtrl *gomock.Controller
		writer   *MockTraceWriter
		db       *DBTracer
		steps    *StepCountTracer
		ch       *fakeChannel
		written  []Task
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		writer = NewMockTraceWriter(mockCtrl)
		writer.EXPECT().Write(gomock.Any()).Do(func(task Task) {
			written = append(written, task)
		}).AnyTimes()

		written = nil
		db = NewDBTracer(&tickingClock{now: t0}, writer)
		steps = NewStepCountTracer(KindFilter(KindRequest))
		ch = &fakeChannel{name: "DMA.Chan[0]"}

		CollectTrace(ch, NewMultiTracer(db, steps))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should not attach the same tracer twice", func() {
		tracer := NewMultiTracer(db)
		CollectTrace(ch, tracer)

		Expect(func() { CollectTrace(ch, tracer) }).To(Panic())
	})

	It("should trace a request and its transfer", func() {
		req := xdma.Request{ID: "7", Direction: xdma.MemToDev, Len: 64}

		ch.fire(xdma.HookPosReqEnqueue, req)
		ch.fire(xdma.HookPosReqSubmit, req)

		req.Done = true
		req.Status = xdma.Status{Transferred: 64}
		ch.fire(xdma.HookPosReqComplete, req)
		ch.fire(xdma.HookPosReqDequeue, req)

		Expect(written).To(HaveLen(2))

		xfer, r := written[0], written[1]
		Expect(xfer.Kind).To(Equal(KindTransfer))
		Expect(xfer.ParentID).To(Equal(r.ID))
		Expect(xfer.What).To(Equal("MemToDev"))
		Expect(xfer.Where).To(Equal("DMA.Chan[0]"))

		Expect(r.Kind).To(Equal(KindRequest))
		Expect(r.ID).To(Equal("DMA.Chan[0]@7"))
		Expect(r.Steps).To(HaveLen(1))
		Expect(r.Steps[0].What).To(Equal(StepDone))
		Expect(r.StartTime.Before(xfer.StartTime)).To(BeTrue())
		Expect(r.EndTime.After(xfer.EndTime)).To(BeTrue())

		Expect(steps.GetTaskCount(StepDone)).To(Equal(uint64(1)))
	})

	It("should record the outcome of failed and cancelled requests", func() {
		failed := xdma.Request{ID: "1", Direction: xdma.DevToMem}
		cancelled := xdma.Request{ID: "2", Direction: xdma.DevToMem}

		ch.fire(xdma.HookPosReqEnqueue, failed)
		ch.fire(xdma.HookPosReqEnqueue, cancelled)
		ch.fire(xdma.HookPosReqSubmit, failed)

		failed.Status.Err = fmt.Errorf("%w: bad packet", xdma.ErrProtocol)
		cancelled.Status.Err = fmt.Errorf("%w: request 2", xdma.ErrCancelled)
		ch.fire(xdma.HookPosReqComplete, failed)
		ch.fire(xdma.HookPosReqComplete, cancelled)

		Expect(steps.GetTaskCount(StepFailed)).To(Equal(uint64(1)))
		Expect(steps.GetTaskCount(StepCancelled)).To(Equal(uint64(1)))
		Expect(written).To(HaveLen(1))
		Expect(written[0].Kind).To(Equal(KindTransfer))
	})

	It("should trace every cyclic period", func() {
		ch.fire(xdma.HookPosPeriodDone, xdma.Status{Transferred: 16})
		ch.fire(xdma.HookPosPeriodDone,
			xdma.Status{Err: errors.New("underrun")})

		Expect(written).To(HaveLen(2))
		Expect(written[0].ID).To(Equal("DMA.Chan[0]@period0"))
		Expect(written[0].What).To(Equal(StepDone))
		Expect(written[1].ID).To(Equal("DMA.Chan[0]@period1"))
		Expect(written[1].What).To(Equal(StepFailed))
	})
})
