//go:build linux

package regs_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xdma/regs"
)

var _ = Describe("MappedWindow", func() {
	It("should access a mapped file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "regs")
		Expect(os.WriteFile(path, make([]byte, 4096), 0o600)).To(Succeed())

		w, err := regs.MapFile(path, 0, 4096)
		Expect(err).NotTo(HaveOccurred())

		w.Write32(0x100, 0xc5acce55)
		Expect(w.Read32(0x100)).To(Equal(uint32(0xc5acce55)))
		Expect(func() { w.Read32(4096) }).To(Panic())
		Expect(w.Close()).To(Succeed())

		w, err = regs.MapFile(path, 0, 4096)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Read32(0x100)).To(Equal(uint32(0xc5acce55)))
		Expect(w.Close()).To(Succeed())
	})

	It("should fail on a missing file", func() {
		_, err := regs.MapFile("/nonexistent/uio0", 0, 4096)
		Expect(err).To(HaveOccurred())
	})
})
