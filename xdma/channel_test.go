package xdma_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/xdma/busdma"
	"github.com/sarchlab/xdma/hooking"
	"github.com/sarchlab/xdma/idgen"
	"github.com/sarchlab/xdma/xdma"
)

var allOps = []xdma.OperationType{
	xdma.Memcpy, xdma.ScatterGather, xdma.Cyclic, xdma.FIFO,
}

func buffer(id string, addr, n uint64) busdma.Buffer {
	return busdma.Buffer{ID: id, VAddr: addr, Len: n}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

func owners(ch *xdma.Channel) map[xdma.Owner]int {
	count := make(map[xdma.Owner]int)

	ch.Descriptors(func(_ int, d xdma.Descriptor) {
		count[d.Owner]++
	})

	return count
}

var _ = Describe("Channel", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockBackend
		reg      *prometheus.Registry
		ctrl     *xdma.Controller
		ch       *xdma.Channel
		done     []xdma.Status
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockBackend(mockCtrl)
		backend.EXPECT().Name().Return("mock").AnyTimes()
		backend.EXPECT().Caps().Return(xdma.Caps{
			MaxSegmentSize: 0x1000,
			Alignment:      4,
			Ops:            allOps,
		}).AnyTimes()
		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(3, nil)

		reg = prometheus.NewRegistry()
		ctrl = xdma.MakeBuilder().
			WithBackend(backend).
			WithLogger(quietLogger()).
			WithMetrics(reg).
			WithIDGenerator(idgen.NewSequential()).
			WithTerminateTimeout(100 * time.Millisecond).
			Build("DMA")

		var err error
		ch, err = ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.HWIndex()).To(Equal(3))

		done = nil
		ch.SetupIntr(func(_ *xdma.Channel, st xdma.Status) {
			done = append(done, st)
		})
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should reject a second prepare", func() {
		Expect(ch.PrepScatterGather(2, 0, 4)).To(Succeed())
		Expect(ch.PrepScatterGather(2, 0, 4)).
			To(MatchError(xdma.ErrConfiguration))
		Expect(ch.PrepMemcpy(0, 0x100, 0x10)).
			To(MatchError(xdma.ErrConfiguration))
	})

	It("should reject work on an unprepared channel", func() {
		Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
			To(MatchError(xdma.ErrConfiguration))
		Expect(ch.Submit()).To(MatchError(xdma.ErrConfiguration))
		Expect(ch.Begin()).To(MatchError(xdma.ErrConfiguration))
	})

	Context("scatter-gather", func() {
		BeforeEach(func() {
			Expect(ch.PrepScatterGather(2, 0, 4)).To(Succeed())
			Expect(ch.State()).To(Equal(xdma.Configured))
		})

		It("should retire requests in enqueue order", func() {
			var got []xdma.Submission
			backend.EXPECT().Submit(ch, gomock.Any()).
				DoAndReturn(func(_ *xdma.Channel, subs []xdma.Submission) error {
					got = subs
					return nil
				})

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x100), 0xf000, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Enqueue(buffer("b", 0x2000, 0x80), 0xf000, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			Expect(got).To(HaveLen(2))
			Expect(got[0].SrcAddr).To(Equal(uint64(0x1000)))
			Expect(got[1].SrcAddr).To(Equal(uint64(0x2000)))
			Expect(got[1].DstAddr).To(Equal(uint64(0xf000)))
			Expect(ch.State()).To(Equal(xdma.Running))
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(2))

			ctrl.Complete(3, xdma.Status{Transferred: 0x100})
			Expect(done).To(HaveLen(1))
			ctrl.Complete(3, xdma.Status{Transferred: 0x80})
			Expect(done).To(HaveLen(2))
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(0))

			buf, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.ID).To(Equal("a"))
			Expect(st.Transferred).To(Equal(uint64(0x100)))

			buf, _, err = ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.ID).To(Equal("b"))

			_, _, err = ch.Dequeue()
			Expect(err).To(MatchError(xdma.ErrEmpty))
		})

		It("should complete a request only after all its segments", func() {
			backend.EXPECT().Submit(ch, gomock.Len(3)).Return(nil)

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x2800), 0xf000, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())
			Expect(ch.Pending()).To(Equal(1))

			ctrl.Complete(3,
				xdma.Status{Transferred: 0x1000},
				xdma.Status{Transferred: 0x1000})
			Expect(done).To(BeEmpty())

			_, _, err := ch.Dequeue()
			Expect(err).To(MatchError(xdma.ErrEmpty))

			ctrl.Complete(3, xdma.Status{Transferred: 0x800})
			Expect(done).To(HaveLen(1))
			Expect(done[0].Transferred).To(Equal(uint64(0x2800)))
			Expect(ch.Pending()).To(Equal(0))
		})

		It("should report back-pressure without side effects", func() {
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Enqueue(buffer("b", 0x2000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())

			err := ch.Enqueue(buffer("c", 0x3000, 0x10), 0, xdma.MemToDev)
			Expect(err).To(MatchError(xdma.ErrQueueFull))

			Expect(ch.Len()).To(Equal(2))
			Expect(ch.Depth()).To(Equal(2))

			used := 0
			ch.Descriptors(func(_ int, d xdma.Descriptor) {
				if d.Request >= 0 {
					used++
				}
			})
			Expect(used).To(Equal(2))
		})

		It("should reject a buffer that needs too many segments", func() {
			err := ch.Enqueue(buffer("a", 0x1000, 0x5000), 0, xdma.MemToDev)

			Expect(err).To(MatchError(xdma.ErrNoCapacity))
			Expect(ch.Len()).To(Equal(0))
		})

		It("should reject an empty buffer", func() {
			Expect(ch.Enqueue(buffer("a", 0x1000, 0), 0, xdma.MemToDev)).
				To(MatchError(xdma.ErrConfiguration))
		})

		It("should pass the backend status to the consumer", func() {
			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.DevToMem)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			ctrl.Complete(3, xdma.Status{
				Err: fmt.Errorf("%w: slave error", xdma.ErrProtocol),
			})

			Expect(done).To(HaveLen(1))
			Expect(done[0].Failed()).To(BeTrue())

			_, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Err).To(MatchError(xdma.ErrProtocol))
			Expect(metricValue(reg, "xdma_requests_failed_total")).
				To(Equal(1.0))
		})

		It("should roll back a failed submission", func() {
			gomock.InOrder(
				backend.EXPECT().Submit(ch, gomock.Len(1)).
					Return(errors.New("engine busy")),
				backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil),
			)

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())

			Expect(ch.Submit()).To(HaveOccurred())
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(0))

			Expect(ch.Submit()).To(Succeed())
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(1))
		})

		It("should hold work while paused", func() {
			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			backend.EXPECT().Control(ch, xdma.CmdPause).Return(nil)
			Expect(ch.Pause()).To(Succeed())
			Expect(ch.State()).To(Equal(xdma.Paused))

			Expect(ch.Enqueue(buffer("b", 0x2000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(1))

			backend.EXPECT().Control(ch, xdma.CmdBegin).Return(nil)
			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)
			Expect(ch.Begin()).To(Succeed())
			Expect(ch.State()).To(Equal(xdma.Running))
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(2))
		})

		It("should cancel requests on terminate", func() {
			backend.EXPECT().Submit(ch, gomock.Len(2)).Return(nil)
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Enqueue(buffer("b", 0x2000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			ctrl.Complete(3, xdma.Status{Transferred: 0x10})
			Expect(done).To(HaveLen(1))

			backend.EXPECT().Control(ch, xdma.CmdTerminate).Return(nil)
			Expect(ch.Terminate()).To(Succeed())
			Expect(ch.State()).To(Equal(xdma.Terminated))
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(0))

			ctrl.Complete(3, xdma.Status{Transferred: 0x10})
			Expect(done).To(HaveLen(1))

			_, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Failed()).To(BeFalse())

			buf, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.ID).To(Equal("b"))
			Expect(st.Err).To(MatchError(xdma.ErrCancelled))

			Expect(ch.Enqueue(buffer("c", 0x3000, 0x10), 0, xdma.MemToDev)).
				To(MatchError(xdma.ErrConfiguration))
			Expect(ch.Terminate()).To(Succeed())
		})

		It("should not free a channel that holds requests", func() {
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())

			Expect(ctrl.FreeChannel(ch)).To(MatchError(xdma.ErrConfiguration))
			Expect(ctrl.Channels()).To(ConsistOf(ch))
			_, found := ctrl.Channel(3)
			Expect(found).To(BeTrue())

			backend.EXPECT().Control(ch, xdma.CmdTerminate).Return(nil)
			Expect(ch.Terminate()).To(Succeed())
			_, _, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())

			backend.EXPECT().ChannelFree(ch).Return(nil)
			Expect(ctrl.FreeChannel(ch)).To(Succeed())
			Expect(ctrl.Channels()).To(BeEmpty())
			_, found = ctrl.Channel(3)
			Expect(found).To(BeFalse())
		})

		It("should let a callback dequeue", func() {
			var got []string

			ch.TeardownAllIntr()
			ch.SetupIntr(func(ch *xdma.Channel, _ xdma.Status) {
				for {
					buf, _, err := ch.Dequeue()
					if err != nil {
						return
					}

					got = append(got, buf.ID)
				}
			})

			backend.EXPECT().Submit(ch, gomock.Len(2)).Return(nil)
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Enqueue(buffer("b", 0x2000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			ctrl.Complete(3, xdma.Status{}, xdma.Status{})

			Expect(got).To(Equal([]string{"a", "b"}))
		})

		It("should remove a single handler", func() {
			calls := 0
			h := ch.SetupIntr(func(*xdma.Channel, xdma.Status) { calls++ })

			Expect(ch.TeardownIntr(h)).To(Succeed())
			Expect(ch.TeardownIntr(h)).To(MatchError(xdma.ErrConfiguration))

			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())
			ctrl.Complete(3, xdma.Status{})

			Expect(calls).To(Equal(0))
			Expect(done).To(HaveLen(1))
		})

		It("should wait until submitted requests are done", func() {
			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)
			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(),
				20*time.Millisecond)
			defer cancel()
			Expect(ch.WaitUntilDone(ctx)).
				To(MatchError(context.DeadlineExceeded))

			ch.TeardownAllIntr()

			go func() {
				defer GinkgoRecover()
				time.Sleep(10 * time.Millisecond)
				ctrl.Complete(3, xdma.Status{Transferred: 0x10})
			}()

			ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
			defer cancel2()
			Expect(ch.WaitUntilDone(ctx2)).To(Succeed())
		})

		It("should time out terminate behind a stuck callback", func() {
			release := make(chan struct{})
			entered := make(chan struct{})

			ch.TeardownAllIntr()
			ch.SetupIntr(func(*xdma.Channel, xdma.Status) {
				close(entered)
				<-release
			})

			backend.EXPECT().Submit(ch, gomock.Len(1)).Return(nil)
			backend.EXPECT().Control(ch, xdma.CmdTerminate).Return(nil)

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			go ctrl.Complete(3, xdma.Status{})
			Eventually(entered).Should(BeClosed())

			Expect(ch.Terminate()).To(MatchError(xdma.ErrBackendTimeout))
			close(release)
		})

		It("should let a callback terminate its own channel", func() {
			var termErr error

			ch.TeardownAllIntr()
			ch.SetupIntr(func(ch *xdma.Channel, st xdma.Status) {
				if st.Failed() {
					termErr = ch.Terminate()
				}
			})

			backend.EXPECT().Submit(ch, gomock.Len(2)).Return(nil)
			backend.EXPECT().Control(ch, xdma.CmdTerminate).Return(nil)

			Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Enqueue(buffer("b", 0x2000, 0x10), 0, xdma.MemToDev)).
				To(Succeed())
			Expect(ch.Submit()).To(Succeed())

			start := time.Now()
			ctrl.Complete(3, xdma.Status{Err: xdma.ErrProtocol})

			Expect(termErr).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 50*time.Millisecond))
			Expect(ch.State()).To(Equal(xdma.Terminated))

			_, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Err).To(MatchError(xdma.ErrProtocol))

			_, st, err = ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Err).To(MatchError(xdma.ErrCancelled))
		})
	})

	Context("cyclic", func() {
		var cfg xdma.Config

		BeforeEach(func() {
			cfg = xdma.Config{
				Direction: xdma.MemToDev,
				SrcAddr:   0x10000,
				DstAddr:   0xf000,
				BlockLen:  0x100,
				BlockNum:  4,
			}
			Expect(ch.PrepCyclic(cfg)).To(Succeed())
		})

		It("should re-arm every period", func() {
			var subs []xdma.Submission

			backend.EXPECT().Control(ch, xdma.CmdBegin).Return(nil)
			backend.EXPECT().Submit(ch, gomock.Len(4)).
				DoAndReturn(func(_ *xdma.Channel, s []xdma.Submission) error {
					subs = s
					return nil
				})

			Expect(ch.Begin()).To(Succeed())
			Expect(subs[2].SrcAddr).To(Equal(uint64(0x10200)))
			Expect(subs[2].DstAddr).To(Equal(uint64(0xf000)))

			for i := 0; i < 6; i++ {
				ctrl.CompleteCyclic(3, xdma.Status{})
				Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(4))
				Expect(ch.Period()).To(Equal((i + 1) % 4))
			}

			Expect(done).To(HaveLen(6))
			Expect(done[5].Transferred).To(Equal(uint64(0x100)))
			Expect(ch.Period()).To(Equal(2))
			Expect(owners(ch)[xdma.OwnerBackend]).To(Equal(4))

			ch.Descriptors(func(i int, d xdma.Descriptor) {
				Expect(d.Next).To(Equal((i + 1) % 4))
			})

			Expect(ctrl.FreeChannel(ch)).To(MatchError(xdma.ErrConfiguration))
		})

		It("should reject an empty configuration", func() {
			backend.EXPECT().ChannelAlloc(gomock.Any()).Return(4, nil)
			other, err := ctrl.AllocChannel(nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(other.PrepCyclic(xdma.Config{BlockLen: 0x100})).
				To(MatchError(xdma.ErrConfiguration))
		})
	})

	Context("memcpy", func() {
		It("should copy once on begin", func() {
			Expect(ch.PrepMemcpy(0x1000, 0x2000, 0x40)).To(Succeed())

			backend.EXPECT().Control(ch, xdma.CmdBegin).Return(nil)
			backend.EXPECT().Submit(ch, gomock.Len(1)).
				DoAndReturn(func(_ *xdma.Channel, s []xdma.Submission) error {
					Expect(s[0].SrcAddr).To(Equal(uint64(0x1000)))
					Expect(s[0].DstAddr).To(Equal(uint64(0x2000)))
					Expect(s[0].Len).To(Equal(uint64(0x40)))
					return nil
				})
			Expect(ch.Begin()).To(Succeed())

			ctrl.Complete(3, xdma.Status{Transferred: 0x40})
			Expect(done).To(HaveLen(1))

			_, st, err := ch.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Transferred).To(Equal(uint64(0x40)))
		})

		It("should reject a zero-length copy", func() {
			Expect(ch.PrepMemcpy(0x1000, 0x2000, 0)).
				To(MatchError(xdma.ErrConfiguration))
			Expect(ch.State()).To(Equal(xdma.Unconfigured))
		})
	})
})

var _ = Describe("Controller", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockBackend
		reg      *prometheus.Registry
		ctrl     *xdma.Controller
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockBackend(mockCtrl)
		backend.EXPECT().Name().Return("mock").AnyTimes()
		backend.EXPECT().Caps().Return(xdma.Caps{
			Ops: []xdma.OperationType{xdma.ScatterGather},
		}).AnyTimes()

		reg = prometheus.NewRegistry()
		ctrl = xdma.MakeBuilder().
			WithBackend(backend).
			WithLogger(quietLogger()).
			WithMetrics(reg).
			Build("DMA")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should drop completions for unknown channels", func() {
		ctrl.Complete(99, xdma.Status{})
		ctrl.CompleteCyclic(99, xdma.Status{})

		Expect(metricValue(reg, "xdma_unknown_completions_total")).
			To(Equal(2.0))
	})

	It("should report an exhausted backend", func() {
		backend.EXPECT().ChannelAlloc(gomock.Any()).
			Return(-1, errors.New("all channels taken"))

		_, err := ctrl.AllocChannel(nil)
		Expect(err).To(MatchError(xdma.ErrNoCapacity))
		Expect(ctrl.Channels()).To(BeEmpty())
	})

	It("should reject operations the backend does not support", func() {
		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(0, nil)
		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(ch.PrepCyclic(xdma.Config{BlockLen: 0x10, BlockNum: 2})).
			To(MatchError(xdma.ErrConfiguration))
		Expect(ch.Capacity()).Error().To(MatchError(xdma.ErrConfiguration))
		Expect(ch.StreamPosition()).Error().
			To(MatchError(xdma.ErrConfiguration))
	})

	It("should have no metadata without a parser", func() {
		meta, err := ctrl.ParseMetadata([]uint32{1, 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(meta).To(BeNil())
	})

	It("should hand its hooks to new channels", func() {
		var positions []*hooking.HookPos
		ctrl.AcceptHook(hooking.NewHookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos)
		}))

		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(0, nil)
		backend.EXPECT().Submit(gomock.Any(), gomock.Len(1)).Return(nil)

		ch, err := ctrl.AllocChannel(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.PrepScatterGather(1, 0, 1)).To(Succeed())
		Expect(ch.Enqueue(buffer("a", 0x1000, 0x10), 0, xdma.MemToDev)).
			To(Succeed())
		Expect(ch.Submit()).To(Succeed())
		ctrl.Complete(0, xdma.Status{})
		_, _, err = ch.Dequeue()
		Expect(err).NotTo(HaveOccurred())

		Expect(positions).To(Equal([]*hooking.HookPos{
			xdma.HookPosReqEnqueue,
			xdma.HookPosReqSubmit,
			xdma.HookPosReqComplete,
			xdma.HookPosReqDequeue,
		}))
	})

	It("should terminate every channel", func() {
		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(0, nil)
		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(1, nil)

		a, _ := ctrl.AllocChannel(nil)
		b, _ := ctrl.AllocChannel(nil)
		Expect(a.Name()).NotTo(Equal(b.Name()))
		Expect(a.PrepScatterGather(1, 0, 1)).To(Succeed())

		backend.EXPECT().Control(a, xdma.CmdTerminateAll).Return(nil)

		Expect(ctrl.TerminateAll()).To(Succeed())
		Expect(a.State()).To(Equal(xdma.Terminated))
		Expect(b.State()).To(Equal(xdma.Terminated))
	})

	It("should map buffers through a page table", func() {
		pt := busdma.NewPageTable(12)
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x0000, PAddr: 0x10000, Valid: true})
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, PAddr: 0x30000, Valid: true})

		ctrl = xdma.MakeBuilder().
			WithBackend(backend).
			WithLogger(quietLogger()).
			WithMapper(busdma.NewPageTableMapper(pt)).
			Build("DMA")

		var subs []xdma.Submission
		backend.EXPECT().ChannelAlloc(gomock.Any()).Return(0, nil)
		backend.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ *xdma.Channel, s []xdma.Submission) error {
				subs = s
				return nil
			})

		ch, _ := ctrl.AllocChannel(nil)
		Expect(ch.PrepScatterGather(1, 0, 4)).To(Succeed())

		buf := busdma.Buffer{ID: "a", PID: 1, VAddr: 0x800, Len: 0x1000}
		Expect(ch.Enqueue(buf, 0, xdma.DevToMem)).To(Succeed())
		Expect(ch.Submit()).To(Succeed())

		Expect(subs).To(HaveLen(2))
		Expect(subs[0].DstAddr).To(Equal(uint64(0x10800)))
		Expect(subs[1].DstAddr).To(Equal(uint64(0x30000)))

		unmapped := busdma.Buffer{ID: "b", PID: 2, VAddr: 0, Len: 0x10}
		Expect(ch.Enqueue(unmapped, 0, xdma.DevToMem)).
			To(MatchError(xdma.ErrConfiguration))
	})
})

// metricValue sums the counter registered under name across its labels.
func metricValue(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())

	total := 0.0

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	return total
}
