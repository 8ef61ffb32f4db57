package codecache

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Block is a code buffer with a write cursor (the frontier). Appends are
// single-writer; concurrent readers may be executing bytes behind the
// frontier, which is why patches go through the aligned atomic stores.
type Block struct {
	name     string
	mem      []byte
	base     jit.TCA
	frontier int
}

// NewBlock initializes a block over mem.
func NewBlock(name string, mem []byte) *Block {
	if len(mem) == 0 {
		jit.Fatalf("block %s: empty memory range", name)
	}
	return &Block{
		name: name,
		mem:  mem,
		base: jit.TCA(unsafe.Pointer(&mem[0])),
	}
}

// Alloc returns a block over cache-line aligned heap memory. Such a block
// is never executed; it serves cross-target emission and scratch encoding.
func Alloc(name string, size int) *Block {
	return NewBlock(name, alignedHeap(size, jit.AlignCacheLine))
}

func alignedHeap(size, align int) []byte {
	raw := make([]byte, size+align)
	off := int(-uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1))
	return raw[off : off+size : off+size]
}

func (b *Block) Name() string       { return b.name }
func (b *Block) Base() jit.TCA      { return b.base }
func (b *Block) End() jit.TCA       { return b.base + jit.TCA(len(b.mem)) }
func (b *Block) Frontier() jit.TCA  { return b.base + jit.TCA(b.frontier) }
func (b *Block) Capacity() int      { return len(b.mem) }
func (b *Block) Used() int          { return b.frontier }
func (b *Block) Available() int     { return len(b.mem) - b.frontier }
func (b *Block) CanEmit(n int) bool { return n <= b.Available() }

// Contains reports whether addr lies inside the block.
func (b *Block) Contains(addr jit.TCA) bool {
	return addr >= b.base && addr < b.End()
}

// SetFrontier moves the cursor to addr, which may equal End.
func (b *Block) SetFrontier(addr jit.TCA) {
	if addr < b.base || addr > b.End() {
		jit.Fatalf("block %s: frontier %v outside [%v, %v]", b.name, addr, b.base, b.End())
	}
	b.frontier = int(addr - b.base)
}

// WithCursor runs fn with the frontier temporarily at addr, then restores
// it, including when fn panics.
func (b *Block) WithCursor(addr jit.TCA, fn func()) {
	saved := b.frontier
	b.SetFrontier(addr)
	defer func() { b.frontier = saved }()
	fn()
}

func (b *Block) reserve(n int) int {
	if n > b.Available() {
		jit.Fatalf("block %s: out of space emitting %d bytes at %v (%d of %d used)",
			b.name, n, b.Frontier(), b.frontier, len(b.mem))
	}
	off := b.frontier
	b.frontier += n
	return off
}

func (b *Block) Byte(v byte) {
	b.mem[b.reserve(1)] = v
}

func (b *Block) Bytes(p ...byte) {
	copy(b.mem[b.reserve(len(p)):], p)
}

// Skip advances the frontier over n bytes without writing them.
func (b *Block) Skip(n int) {
	b.reserve(n)
}

// Dword appends v in little-endian order. At a 4-byte aligned frontier it is
// written with one atomic store, so a concurrent fetch of the word sees the
// old or the new instruction.
func (b *Block) Dword(v uint32) {
	if b.Frontier().Aligned(4) {
		off := b.reserve(4)
		atomic.StoreUint32(b.word32(off), toNative32(v))
		return
	}
	b.Bytes(binary.LittleEndian.AppendUint32(nil, v)...)
}

func (b *Block) Qword(v uint64) {
	b.Bytes(binary.LittleEndian.AppendUint64(nil, v)...)
}

func (b *Block) offset(addr jit.TCA, n int) int {
	if addr < b.base || addr+jit.TCA(n) > b.End() {
		jit.Fatalf("block %s: access of %d bytes at %v outside [%v, %v)", b.name, n, addr, b.base, b.End())
	}
	return int(addr - b.base)
}

// Read copies n bytes at addr. The copy is not atomic.
func (b *Block) Read(addr jit.TCA, n int) []byte {
	off := b.offset(addr, n)
	return append([]byte(nil), b.mem[off:off+n]...)
}

// Slice returns the bytes in [from, to) without copying.
func (b *Block) Slice(from, to jit.TCA) []byte {
	off := b.offset(from, int(to-from))
	return b.mem[off : off+int(to-from)]
}

func (b *Block) alignedOffset(addr jit.TCA, n int) int {
	if !addr.Aligned(n) {
		jit.Fatalf("block %s: %d-byte access at misaligned %v", b.name, n, addr)
	}
	return b.offset(addr, n)
}

func (b *Block) word32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&b.mem[off])) }
func (b *Block) word64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&b.mem[off])) }

// LoadDword atomically reads the little-endian word at the aligned addr.
func (b *Block) LoadDword(addr jit.TCA) uint32 {
	return toNative32(atomic.LoadUint32(b.word32(b.alignedOffset(addr, 4))))
}

// LoadQword atomically reads the little-endian quadword at the aligned addr.
func (b *Block) LoadQword(addr jit.TCA) uint64 {
	return toNative64(atomic.LoadUint64(b.word64(b.alignedOffset(addr, 8))))
}

// PatchDword replaces the word at the aligned addr with one store.
func (b *Block) PatchDword(addr jit.TCA, v uint32) {
	atomic.StoreUint32(b.word32(b.alignedOffset(addr, 4)), toNative32(v))
}

// PatchQword replaces the quadword at the aligned addr with one store.
func (b *Block) PatchQword(addr jit.TCA, v uint64) {
	atomic.StoreUint64(b.word64(b.alignedOffset(addr, 8)), toNative64(v))
}

// toNative32 converts between a little-endian value and the host word
// holding the same bytes. It is its own inverse.
func toNative32(v uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return binary.NativeEndian.Uint32(buf[:])
}

func toNative64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return binary.NativeEndian.Uint64(buf[:])
}
