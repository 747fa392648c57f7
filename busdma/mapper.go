package busdma

import (
	"fmt"
)

// PageTableMapper translates buffers through a page table. Physically
// contiguous pages are merged into one segment before the tag is applied.
type PageTableMapper struct {
	pageTable PageTable
}

// NewPageTableMapper creates a mapper on top of the given page table.
func NewPageTableMapper(pt PageTable) *PageTableMapper {
	return &PageTableMapper{pageTable: pt}
}

// Load walks the buffer page by page.
func (m *PageTableMapper) Load(tag Tag, buf Buffer) (*Map, error) {
	var frags []Segment

	vAddr := buf.VAddr
	end := buf.VAddr + buf.Len

	for vAddr < end {
		page, found := m.pageTable.Find(buf.PID, vAddr)
		if !found || !page.Valid {
			return nil, fmt.Errorf("%w: pid %d, 0x%x",
				ErrNotMapped, buf.PID, vAddr)
		}

		offset := vAddr - page.VAddr
		n := min(end-vAddr, page.PageSize-offset)

		frags = merge(frags, Segment{PAddr: page.PAddr + offset, Len: n})
		vAddr += n
	}

	return newMap(tag, buf, frags)
}

// Unload releases the map.
func (m *PageTableMapper) Unload(dm *Map) error {
	return dm.unload()
}

// Sync records the sync operation. The simulated memory has no cache, so
// there is nothing to flush or invalidate.
func (m *PageTableMapper) Sync(dm *Map, op SyncOp) error {
	return dm.sync(op)
}

// IdentityMapper treats virtual addresses as physical ones. It serves
// physically contiguous memory.
type IdentityMapper struct{}

// Load creates a map with the buffer as a single fragment.
func (IdentityMapper) Load(tag Tag, buf Buffer) (*Map, error) {
	return newMap(tag, buf, []Segment{{PAddr: buf.VAddr, Len: buf.Len}})
}

// Unload releases the map.
func (IdentityMapper) Unload(dm *Map) error {
	return dm.unload()
}

// Sync records the sync operation.
func (IdentityMapper) Sync(dm *Map, op SyncOp) error {
	return dm.sync(op)
}
