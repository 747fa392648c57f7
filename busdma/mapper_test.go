package busdma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xdma/busdma"
)

var _ = Describe("PageTable", func() {
	var pt busdma.PageTable

	BeforeEach(func() {
		pt = busdma.NewPageTable(12)
	})

	It("should find a page by any address inside it", func() {
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, PAddr: 0x8000, Valid: true})

		page, found := pt.Find(1, 0x1ffc)
		Expect(found).To(BeTrue())
		Expect(page.PAddr).To(Equal(uint64(0x8000)))
		Expect(page.PageSize).To(Equal(uint64(0x1000)))

		_, found = pt.Find(2, 0x1000)
		Expect(found).To(BeFalse())
	})

	It("should update and remove pages", func() {
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, PAddr: 0x8000, Valid: true})
		pt.Update(busdma.Page{PID: 1, VAddr: 0x1000, PAddr: 0x9000,
			PageSize: 0x1000, Valid: true})

		page, _ := pt.Find(1, 0x1000)
		Expect(page.PAddr).To(Equal(uint64(0x9000)))

		pt.Remove(1, 0x1004)
		_, found := pt.Find(1, 0x1000)
		Expect(found).To(BeFalse())
	})

	It("should panic when inserting a page twice", func() {
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, Valid: true})
		Expect(func() {
			pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, Valid: true})
		}).To(Panic())
	})
})

var _ = Describe("PageTableMapper", func() {
	var (
		pt     busdma.PageTable
		mapper *busdma.PageTableMapper
	)

	BeforeEach(func() {
		pt = busdma.NewPageTable(12)
		mapper = busdma.NewPageTableMapper(pt)

		pt.Insert(busdma.Page{PID: 1, VAddr: 0x0000, PAddr: 0x10000, Valid: true})
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x1000, PAddr: 0x11000, Valid: true})
		pt.Insert(busdma.Page{PID: 1, VAddr: 0x2000, PAddr: 0x40000, Valid: true})
	})

	It("should merge physically contiguous pages", func() {
		m, err := mapper.Load(busdma.Tag{},
			busdma.Buffer{PID: 1, VAddr: 0x800, Len: 0x2000})

		Expect(err).NotTo(HaveOccurred())
		Expect(m.Segments()).To(Equal([]busdma.Segment{
			{PAddr: 0x10800, Len: 0x1800},
			{PAddr: 0x40000, Len: 0x800},
		}))
	})

	It("should apply the maximum segment size", func() {
		m, err := mapper.Load(busdma.Tag{MaxSegSize: 0x1000},
			busdma.Buffer{PID: 1, VAddr: 0x800, Len: 0x1800})

		Expect(err).NotTo(HaveOccurred())
		Expect(m.Segments()).To(Equal([]busdma.Segment{
			{PAddr: 0x10800, Len: 0x1000},
			{PAddr: 0x11800, Len: 0x800},
		}))
	})

	It("should fail on unmapped addresses", func() {
		_, err := mapper.Load(busdma.Tag{},
			busdma.Buffer{PID: 1, VAddr: 0x2800, Len: 0x1000})

		Expect(err).To(MatchError(busdma.ErrNotMapped))
	})

	It("should fail when the tag allows too few segments", func() {
		_, err := mapper.Load(busdma.Tag{NSegments: 1},
			busdma.Buffer{PID: 1, VAddr: 0, Len: 0x3000})

		Expect(err).To(MatchError(busdma.ErrTooManySegments))
	})

	It("should count syncs and reject a second unload", func() {
		m, _ := mapper.Load(busdma.Tag{}, busdma.Buffer{PID: 1, Len: 16})

		Expect(mapper.Sync(m, busdma.PreWrite)).To(Succeed())
		Expect(mapper.Sync(m, busdma.PostWrite)).To(Succeed())
		Expect(m.SyncCount(busdma.PreWrite)).To(Equal(1))
		Expect(m.SyncCount(busdma.PreRead)).To(Equal(0))

		Expect(mapper.Unload(m)).To(Succeed())
		Expect(m.Loaded()).To(BeFalse())
		Expect(mapper.Unload(m)).To(MatchError(busdma.ErrNotLoaded))
		Expect(mapper.Sync(m, busdma.PostRead)).To(MatchError(busdma.ErrNotLoaded))
	})
})

var _ = Describe("IdentityMapper", func() {
	It("should split on boundaries", func() {
		m, err := busdma.IdentityMapper{}.Load(
			busdma.Tag{Boundary: 0x1000},
			busdma.Buffer{VAddr: 0xf00, Len: 0x200})

		Expect(err).NotTo(HaveOccurred())
		Expect(m.Segments()).To(Equal([]busdma.Segment{
			{PAddr: 0xf00, Len: 0x100},
			{PAddr: 0x1000, Len: 0x100},
		}))
	})
})
