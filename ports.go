package orchestrator

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPortsExhausted signals that every block in the configured port range is
// currently held by a server. Callers match it with errors.Is.
var ErrPortsExhausted = errors.New("port range exhausted")

// PortBlock is one disjoint allocation: a control port for the automation
// server plus its auxiliary ports.
type PortBlock struct {
	Control int
	Aux     []int
}

// Ports returns every port in the block, control first.
func (b PortBlock) Ports() []int {
	out := make([]int, 0, 1+len(b.Aux))
	out = append(out, b.Control)
	out = append(out, b.Aux...)
	return out
}

// portAllocator hands out aligned, non-overlapping port blocks from a
// bounded range. Allocation is next-fit: the cursor advances past each grant
// and wraps to the start of the range, so freshly released blocks are not
// immediately reused.
type portAllocator struct {
	mu        sync.Mutex
	start     int
	blockSize int
	capacity  int
	cursor    int
	used      map[int]struct{}
}

func newPortAllocator(start, end, blockSize int) (*portAllocator, error) {
	if start <= 0 || end < start {
		return nil, errors.Errorf("invalid port range [%d, %d]", start, end)
	}
	if blockSize < 1 {
		return nil, errors.Errorf("invalid port block size %d", blockSize)
	}
	capacity := (end - start + 1) / blockSize
	if capacity < 1 {
		return nil, errors.Errorf("port range [%d, %d] smaller than one block of %d", start, end, blockSize)
	}
	return &portAllocator{
		start:     start,
		blockSize: blockSize,
		capacity:  capacity,
		used:      make(map[int]struct{}, capacity),
	}, nil
}

// Alloc grants the next free block, wrapping around the range. Returns
// ErrPortsExhausted when every block is held.
func (a *portAllocator) Alloc() (PortBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.capacity; i++ {
		slot := (a.cursor + i) % a.capacity
		base := a.start + slot*a.blockSize
		if _, held := a.used[base]; held {
			continue
		}
		a.used[base] = struct{}{}
		a.cursor = (slot + 1) % a.capacity
		block := PortBlock{Control: base}
		for p := base + 1; p < base+a.blockSize; p++ {
			block.Aux = append(block.Aux, p)
		}
		return block, nil
	}
	return PortBlock{}, errors.WithStack(ErrPortsExhausted)
}

// Release returns a block to the pool. Safe to call for a block that is not
// currently held.
func (a *portAllocator) Release(block PortBlock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, block.Control)
}

// InUse reports how many blocks are currently held.
func (a *portAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
