package codecache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Directory maps an address to the block that owns it. Registration is
// serialized; lookups read an immutable snapshot and never block, so smash
// paths on application threads can use them.
type Directory struct {
	mu     sync.Mutex
	blocks atomic.Pointer[[]*Block]
}

func NewDirectory(blocks ...*Block) (*Directory, error) {
	d := &Directory{}
	for _, b := range blocks {
		if err := d.Register(b); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds b. Overlapping ranges are rejected.
func (d *Directory) Register(b *Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.snapshot()
	i := sort.Search(len(cur), func(i int) bool { return cur[i].base >= b.base })
	if i > 0 && cur[i-1].End() > b.base {
		return fmt.Errorf("block %s [%v, %v) overlaps %s", b.name, b.base, b.End(), cur[i-1].name)
	}
	if i < len(cur) && b.End() > cur[i].base {
		return fmt.Errorf("block %s [%v, %v) overlaps %s", b.name, b.base, b.End(), cur[i].name)
	}

	next := make([]*Block, 0, len(cur)+1)
	next = append(next, cur[:i]...)
	next = append(next, b)
	next = append(next, cur[i:]...)
	d.blocks.Store(&next)
	return nil
}

func (d *Directory) snapshot() []*Block {
	if p := d.blocks.Load(); p != nil {
		return *p
	}
	return nil
}

// BlockFor returns the block containing addr.
func (d *Directory) BlockFor(addr jit.TCA) (*Block, bool) {
	blocks := d.snapshot()
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].End() > addr })
	if i < len(blocks) && blocks[i].Contains(addr) {
		return blocks[i], true
	}
	return nil, false
}

// Blocks returns the registered blocks ordered by address.
func (d *Directory) Blocks() []*Block {
	return append([]*Block(nil), d.snapshot()...)
}

// Span returns the lowest and highest address covered by any block.
func (d *Directory) Span() (lo, hi jit.TCA) {
	blocks := d.snapshot()
	if len(blocks) == 0 {
		return jit.NoTCA, jit.NoTCA
	}
	return blocks[0].base, blocks[len(blocks)-1].End()
}
