package addrspace_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/addrspace"
	"github.com/sarchlab/addrspace/hooking"
)

var _ = Describe("RegionAllocator", func() {
	var allocator *addrspace.RegionAllocator

	BeforeEach(func() {
		allocator = addrspace.NewRegionAllocator("MemCtrl.AddrSpace")
	})

	Context("adding regions", func() {
		It("should keep regions that do not intersect", func() {
			Expect(allocator.Add(0, 100)).To(Succeed())
			Expect(allocator.Add(200, 300)).To(Succeed())
			Expect(allocator.Add(600, 100)).To(Succeed())

			Expect(allocator.CheckRegion(0, 100)).To(BeTrue())
			Expect(allocator.CheckRegion(200, 300)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())
			Expect(allocator.Len()).To(Equal(3))
		})

		It("should extend the tail of a region", func() {
			allocator.Add(0, 100)
			allocator.Add(200, 300)
			allocator.Add(600, 100)

			allocator.Add(100, 50)
			Expect(allocator.CheckRegion(0, 100)).To(BeFalse())
			Expect(allocator.CheckRegion(0, 150)).To(BeTrue())
			Expect(allocator.CheckRegion(200, 300)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())

			allocator.Add(100, 60)
			Expect(allocator.CheckRegion(0, 160)).To(BeTrue())
		})

		It("should extend the head of a region", func() {
			allocator.Add(0, 160)
			allocator.Add(200, 300)
			allocator.Add(600, 100)

			allocator.Add(180, 20)
			Expect(allocator.CheckRegion(180, 320)).To(BeTrue())

			allocator.Add(165, 60)
			Expect(allocator.CheckRegion(165, 335)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())
		})

		It("should merge two regions into one", func() {
			allocator.Add(0, 160)
			allocator.Add(165, 335)
			allocator.Add(600, 100)

			allocator.Add(160, 5)
			Expect(allocator.CheckRegion(0, 500)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())

			allocator.Add(500, 100)
			Expect(allocator.CheckRegion(0, 700)).To(BeTrue())
			Expect(allocator.Len()).To(Equal(1))
		})

		It("should merge regions that only share a boundary", func() {
			allocator.Add(0, 500)
			allocator.Add(600, 100)
			Expect(allocator.CheckRegion(0, 500)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())

			allocator.Add(500, 100)
			Expect(allocator.CheckRegion(0, 700)).To(BeTrue())
		})

		It("should absorb a zero-size region on a later add", func() {
			allocator.Add(5, 0)
			Expect(allocator.Len()).To(Equal(1))
			Expect(allocator.CheckRegion(5, 0)).To(BeTrue())

			allocator.Add(0, 10)
			Expect(allocator.Len()).To(Equal(1))
			Expect(allocator.CheckRegion(0, 10)).To(BeTrue())
		})
	})

	Context("subtracting regions", func() {
		BeforeEach(func() {
			allocator.Add(0, 100)
			allocator.Add(200, 300)
			allocator.Add(600, 100)
		})

		It("should do nothing when the range is uncovered", func() {
			allocator.Subtract(500, 100)
			Expect(allocator.Len()).To(Equal(3))
		})

		It("should trim the head of a region", func() {
			allocator.Subtract(500, 150)
			Expect(allocator.CheckRegion(650, 50)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 50)).To(BeFalse())
		})

		It("should trim the tail of a region", func() {
			allocator.Subtract(500, 150)

			allocator.Subtract(680, 44)
			Expect(allocator.CheckRegion(650, 30)).To(BeTrue())
		})

		It("should remove a wholly covered region", func() {
			allocator.Subtract(500, 150)
			allocator.Subtract(680, 44)

			allocator.Subtract(500, 300)
			Expect(allocator.CheckRegion(650, 30)).To(BeFalse())
			Expect(allocator.Len()).To(Equal(2))
		})

		It("should trim both head and tail across regions", func() {
			allocator.Subtract(500, 300)

			allocator.Subtract(50, 200)
			Expect(allocator.CheckRegion(0, 50)).To(BeTrue())
			Expect(allocator.CheckRegion(250, 250)).To(BeTrue())
			Expect(allocator.Len()).To(Equal(2))
		})

		It("should split a region cut in the middle", func() {
			allocator.Subtract(500, 300)
			allocator.Subtract(50, 200)

			allocator.Subtract(300, 100)
			Expect(allocator.CheckRegion(250, 50)).To(BeTrue())
			Expect(allocator.CheckRegion(400, 100)).To(BeTrue())
			Expect(allocator.Len()).To(Equal(3))
		})

		It("should restore the prior set on an add-subtract round trip", func() {
			allocator.Add(1000, 50)
			allocator.Subtract(1000, 50)

			Expect(allocator.Len()).To(Equal(3))
			Expect(allocator.CheckRegion(0, 100)).To(BeTrue())
			Expect(allocator.CheckRegion(200, 300)).To(BeTrue())
			Expect(allocator.CheckRegion(600, 100)).To(BeTrue())
		})
	})

	Context("allocating", func() {
		BeforeEach(func() {
			allocator.Add(0, 100)
			allocator.Add(200, 300)
			allocator.Add(600, 200)
		})

		It("should allocate a fully contained range by address", func() {
			Expect(allocator.AllocateByAddr(10, 10)).To(BeTrue())
			Expect(allocator.CheckPoint(15)).To(BeFalse())
		})

		It("should allocate the lowest aligned fit by size", func() {
			allocator.AllocateByAddr(10, 10)

			base, ok := allocator.AllocateBySize(12, 1<<3)
			Expect(ok).To(BeTrue())
			Expect(base).To(Equal(uint64(24)))
		})

		It("should reject an alignment that is not a power of two", func() {
			_, ok := allocator.AllocateBySize(1, 9)
			Expect(ok).To(BeFalse())
		})

		It("should fail when no single region contains the range", func() {
			allocator.AllocateByAddr(10, 10)
			allocator.AllocateBySize(12, 1<<3)

			Expect(allocator.AllocateByAddr(0, 20)).To(BeFalse())
			Expect(allocator.AllocateByAddr(30, 20)).To(BeFalse())
		})

		It("should fail when no region is large enough", func() {
			allocator.AllocateByAddr(10, 10)
			allocator.AllocateBySize(12, 1<<3)

			_, ok := allocator.AllocateBySize(400, 1)
			Expect(ok).To(BeFalse())
		})

		It("should fail when no region can host an aligned fit", func() {
			allocator.AllocateByAddr(10, 10)
			allocator.AllocateBySize(12, 1<<3)

			_, ok := allocator.AllocateBySize(300, 1<<5)
			Expect(ok).To(BeFalse())
		})

		It("should allocate again after the regions change", func() {
			allocator.AllocateByAddr(10, 10)
			allocator.AllocateBySize(12, 1<<3)

			allocator.Add(500, 100)

			base, ok := allocator.AllocateBySize(400, 1<<6)
			Expect(ok).To(BeTrue())
			Expect(base).To(Equal(uint64(256)))
		})

		It("should not hand out overlapping space twice", func() {
			base1, ok1 := allocator.AllocateBySize(64, 1<<4)
			base2, ok2 := allocator.AllocateBySize(64, 1<<4)

			Expect(ok1).To(BeTrue())
			Expect(ok2).To(BeTrue())
			Expect(base1 + 64).To(BeNumerically("<=", base2))
		})
	})

	Context("checking points", func() {
		BeforeEach(func() {
			allocator.Add(10, 10)
		})

		It("should not cover an address below the region", func() {
			Expect(allocator.CheckPoint(9)).To(BeFalse())
		})

		It("should cover the region base", func() {
			Expect(allocator.CheckPoint(10)).To(BeTrue())
		})

		It("should cover an interior address", func() {
			Expect(allocator.CheckPoint(15)).To(BeTrue())
		})

		It("should cover the exclusive upper bound", func() {
			// The upper bound test is inclusive, unlike the half-open
			// convention of the other operations.
			Expect(allocator.CheckPoint(20)).To(BeTrue())
		})

		It("should not cover an address past the upper bound", func() {
			Expect(allocator.CheckPoint(21)).To(BeFalse())
		})
	})

	Context("when base+size wraps around", func() {
		It("should reject the add and leave the set unchanged", func() {
			allocator.Add(0, 100)

			err := allocator.Add(math.MaxUint64, 2)
			Expect(err).To(HaveOccurred())
			Expect(allocator.Len()).To(Equal(1))
			Expect(allocator.CheckRegion(0, 100)).To(BeTrue())
		})

		It("should reject the subtract", func() {
			allocator.Add(0, 100)

			err := allocator.Subtract(math.MaxUint64, 2)
			Expect(err).To(HaveOccurred())
			Expect(allocator.CheckRegion(0, 100)).To(BeTrue())
		})

		It("should fail an allocation by address", func() {
			allocator.Add(math.MaxUint64-10, 10)

			Expect(allocator.AllocateByAddr(math.MaxUint64-1, 2)).
				To(BeFalse())
		})
	})

	Context("hooks", func() {
		var (
			mockCtrl *gomock.Controller
			hook     *MockHook
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			hook = NewMockHook(mockCtrl)
			allocator.AcceptHook(hook)
		})

		It("should invoke hooks on add", func() {
			hook.EXPECT().Func(gomock.Any()).Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).To(BeIdenticalTo(addrspace.HookPosRegionAdd))
				Expect(ctx.Domain).To(BeIdenticalTo(allocator))

				rec := ctx.Item.(addrspace.OpRecord)
				Expect(rec.Op).To(Equal("add"))
				Expect(rec.Base).To(Equal(uint64(0x1000)))
				Expect(rec.Size).To(Equal(uint64(0x100)))
				Expect(rec.OK).To(BeTrue())
			})

			allocator.Add(0x1000, 0x100)
		})

		It("should invoke hooks on subtract", func() {
			hook.EXPECT().Func(gomock.Any()).Times(2)

			allocator.Add(0x1000, 0x100)
			allocator.Subtract(0x1000, 0x80)
		})

		It("should report failed allocations through hooks", func() {
			hook.EXPECT().Func(gomock.Any()).Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).
					To(BeIdenticalTo(addrspace.HookPosRegionAllocate))

				rec := ctx.Item.(addrspace.OpRecord)
				Expect(rec.Op).To(Equal("allocate_by_addr"))
				Expect(rec.OK).To(BeFalse())
			})

			allocator.AllocateByAddr(0x10, 0x10)
		})

		It("should not invoke hooks on rejected operations", func() {
			Expect(allocator.Add(math.MaxUint64, 2)).NotTo(Succeed())
		})
	})
})
