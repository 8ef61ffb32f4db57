package ppc64

import (
	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

// Backend emits, smashes and decodes ppc64le code in the blocks of dir.
type Backend struct {
	dir *codecache.Directory
}

func New(dir *codecache.Directory) *Backend {
	return &Backend{dir: dir}
}

func (b *Backend) Name() string               { return "ppc64" }
func (b *Backend) ABI() *jit.ABI              { return &ABI }
func (b *Backend) Shape(k jit.Kind) jit.Shape { return shapes[k] }
func (b *Backend) Shapes() *jit.ShapeTable    { return &shapes }
func (b *Backend) MaxShortFill() int          { return maxShortFill }

// Align pads cb with nops up to a multiple of n.
func (b *Backend) Align(cb *codecache.Block, n int) {
	NewAssembler(cb).AlignTo(n)
}

// CallFits reports whether a bl anywhere in the directory's blocks
// reaches target.
func (b *Backend) CallFits(target jit.TCA) bool {
	low, high := b.dir.Span()
	if low == high || !target.Aligned(4) {
		return false
	}
	return fitsBranch(int64(target)-int64(low)) && fitsBranch(int64(target)-int64(high&^3))
}

func (b *Backend) Lower(u *vasm.Unit, main, cold *codecache.Block, meta *jit.Meta) *vasm.Layout {
	return vasm.Emit(u, main, cold, meta, lowerer{b})
}
