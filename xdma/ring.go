package xdma

// ring is the index arithmetic shared by the request queue, the buffer table
// and the descriptor ring. One slot is kept free so that a full ring can be
// told apart from an empty one.
type ring struct {
	capacity int
	head     int
	tail     int
}

func newRing(capacity int) ring {
	if capacity < 2 {
		panic("ring capacity must be at least 2")
	}

	return ring{capacity: capacity}
}

func (r ring) next(i int) int {
	return (i + 1) % r.capacity
}

func (r ring) empty() bool {
	return r.head == r.tail
}

func (r ring) full() bool {
	return r.next(r.head) == r.tail
}

func (r ring) count() int {
	return (r.head - r.tail + r.capacity) % r.capacity
}

// free returns how many slots can still be taken.
func (r ring) free() int {
	return r.capacity - 1 - r.count()
}

// between returns the number of steps from i forward to j.
func (r ring) between(i, j int) int {
	return (j - i + r.capacity) % r.capacity
}
