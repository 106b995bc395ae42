// Package mempool implements a fixed-block allocator with O(1) alloc/free
// and an integrity check over its free list.
package mempool

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/embedx/evbus/errs"
)

// MinBlockSize is the smallest legal block size: the free-list link occupies
// the first word of every free block.
const MinBlockSize = 8

// Info reports pool accounting gathered by Integrity and Stats.
type Info struct {
	BlockCount    int
	InUse         int
	HighWater     int
	FreeCount     int
	UnlinkedCount int
}

// Pool carves a contiguous byte slab into uniformly sized blocks. Allocation
// prefers the never-allocated prefix over the free list, deferring link
// writes until a block has been freed at least once.
type Pool struct {
	name string
	bs   int
	bc   int
	slab []byte

	mu        sync.Mutex
	next      int   // first never-allocated block index
	free      int32 // head of free list as block index + 1; 0 = empty
	count     int
	highWater int
}

// New constructs a pool of blockCount blocks of blockSize bytes each.
func New(name string, blockSize, blockCount int) (*Pool, error) {
	if name == "" {
		return nil, errs.New("mempool", errs.CodeInvalid, errs.WithMessage("pool name required"))
	}
	if blockSize < MinBlockSize {
		return nil, errs.New("mempool", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("pool %s: block size %d below minimum %d", name, blockSize, MinBlockSize)))
	}
	if blockCount <= 0 {
		return nil, errs.New("mempool", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("pool %s: block count must be positive, got %d", name, blockCount)))
	}
	p := new(Pool)
	p.name = name
	p.bs = blockSize
	p.bc = blockCount
	p.slab = make([]byte, blockSize*blockCount)
	return p, nil
}

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }

// BlockSize returns the size of each block in bytes.
func (p *Pool) BlockSize() int { return p.bs }

// BlockCount returns the number of blocks the pool was built with.
func (p *Pool) BlockCount() int { return p.bc }

// Alloc returns a free block's index and byte span, or (-1, nil) when the
// pool is exhausted.
func (p *Pool) Alloc() (int32, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	switch {
	case p.next < p.bc:
		idx = p.next
		p.next++
	case p.free != 0:
		idx = int(p.free - 1)
		p.free = int32(binary.LittleEndian.Uint64(p.block(idx)))
	default:
		return -1, nil
	}
	p.count++
	if p.count > p.highWater {
		p.highWater = p.count
	}
	return int32(idx), p.block(idx)
}

// Free pushes the block back onto the free list. The slot must have been
// handed out by this pool.
func (p *Pool) Free(slot int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(slot)
	if idx < 0 || idx >= p.next {
		panic(fmt.Sprintf("mempool: pool %s: slot %d was never allocated here", p.name, slot))
	}
	binary.LittleEndian.PutUint64(p.block(idx), uint64(p.free))
	p.free = slot + 1
	p.count--
}

// Stats reports current accounting without walking the free list.
func (p *Pool) Stats() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		BlockCount:    p.bc,
		InUse:         p.count,
		HighWater:     p.highWater,
		UnlinkedCount: p.bc - p.next,
	}
}

// Integrity walks the free list, verifies every link lands inside the pool,
// and checks that free + unlinked + in-use blocks account for every block.
// It fills info when non-nil and the walk completes, and returns false on
// any inconsistency.
func (p *Pool) Integrity(info *Info) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Info{
		BlockCount:    p.bc,
		InUse:         p.count,
		HighWater:     p.highWater,
		UnlinkedCount: p.bc - p.next,
	}
	cur := p.free
	for cur != 0 {
		idx := int(cur - 1)
		if idx < 0 || idx >= p.bc {
			return false
		}
		out.FreeCount++
		if out.FreeCount > p.bc {
			// A cycle in the free list would walk forever.
			return false
		}
		cur = int32(binary.LittleEndian.Uint64(p.block(idx)))
	}
	if info != nil {
		*info = out
	}
	return p.bc-p.count == out.FreeCount+out.UnlinkedCount
}

func (p *Pool) block(idx int) []byte {
	start := idx * p.bs
	end := start + p.bs
	return p.slab[start:end:end]
}
