package tracing

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("AverageTimeTracer", func() {
	var (
		mockCtrl   *gomock.Controller
		timeTeller *MockTimeTeller
		t          *AverageTimeTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)

		t = NewAverageTimeTracer(timeTeller, KindFilter(KindTransfer))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should average overlapping tasks", func() {
		timeTeller.EXPECT().CurrentTime().Return(at(0))
		t.StartTask(Task{ID: "1", Kind: KindTransfer})
		timeTeller.EXPECT().CurrentTime().Return(at(10))
		t.StartTask(Task{ID: "2", Kind: KindTransfer})
		timeTeller.EXPECT().CurrentTime().Return(at(20))
		t.EndTask(Task{ID: "1"})
		timeTeller.EXPECT().CurrentTime().Return(at(50))
		t.EndTask(Task{ID: "2"})

		Expect(t.TotalCount()).To(Equal(uint64(2)))
		Expect(t.TotalTime()).To(Equal(60 * time.Millisecond))
		Expect(t.AverageTime()).To(Equal(30 * time.Millisecond))
	})

	It("should skip filtered and unknown tasks", func() {
		timeTeller.EXPECT().CurrentTime().Return(at(0))
		t.StartTask(Task{ID: "1", Kind: KindRequest})
		timeTeller.EXPECT().CurrentTime().Return(at(10))
		t.EndTask(Task{ID: "1"})
		timeTeller.EXPECT().CurrentTime().Return(at(20))
		t.EndTask(Task{ID: "3"})

		Expect(t.TotalCount()).To(BeZero())
		Expect(t.AverageTime()).To(BeZero())
	})
})

var _ = Describe("StepCountTracer", func() {
	It("should count steps and the tasks that took them", func() {
		t := NewStepCountTracer(KindFilter(KindRequest))

		t.StartTask(Task{ID: "a", Kind: KindRequest})
		t.StartTask(Task{ID: "b", Kind: KindRequest})
		t.StartTask(Task{ID: "x", Kind: KindTransfer})

		t.StepTask(Task{ID: "a", Steps: []TaskStep{{What: StepDone}}})
		t.StepTask(Task{ID: "b", Steps: []TaskStep{{What: StepFailed}}})
		t.StepTask(Task{ID: "b", Steps: []TaskStep{{What: StepFailed}}})
		t.StepTask(Task{ID: "x", Steps: []TaskStep{{What: StepDone}}})

		Expect(t.GetStepNames()).To(Equal([]string{StepDone, StepFailed}))
		Expect(t.GetStepCount(StepDone)).To(Equal(uint64(1)))
		Expect(t.GetStepCount(StepFailed)).To(Equal(uint64(2)))
		Expect(t.GetTaskCount(StepFailed)).To(Equal(uint64(1)))

		t.EndTask(Task{ID: "a"})
		t.StepTask(Task{ID: "a", Steps: []TaskStep{{What: StepDone}}})
		Expect(t.GetStepCount(StepDone)).To(Equal(uint64(1)))
	})
})
