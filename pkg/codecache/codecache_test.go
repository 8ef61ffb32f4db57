package codecache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tcgen/pkg/jit"
)

func TestMemoryCarve(t *testing.T) {
	mem, err := NewMemory(64<<10, 0)
	require.NoError(t, err)
	defer mem.Free()

	main, err := mem.Carve("main", 1000)
	require.NoError(t, err)
	cold, err := mem.Carve("cold", 4096)
	require.NoError(t, err)

	require.Equal(t, mem.Base(), main.Base())
	require.True(t, cold.Base().Aligned(jit.AlignCacheLine))
	require.GreaterOrEqual(t, cold.Base(), main.End())
	require.Equal(t, 2, len(mem.Blocks()))

	_, err = mem.Carve("huge", 1<<20)
	require.ErrorContains(t, err, "out of code memory")

	require.NoError(t, mem.Free())
	require.NoError(t, mem.Free())
	_, err = mem.Carve("late", 16)
	require.Error(t, err)
}

func TestBlockAppend(t *testing.T) {
	b := Alloc("test", 64)
	require.Equal(t, b.Base(), b.Frontier())

	b.Byte(0x90)
	b.Bytes(0x66, 0x90)
	b.Byte(0xcc)
	b.Dword(0x11223344)
	b.Qword(0x0102030405060708)

	want := []byte{
		0x90, 0x66, 0x90, 0xcc,
		0x44, 0x33, 0x22, 0x11,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}
	if diff := cmp.Diff(want, b.Read(b.Base(), 16)); diff != "" {
		t.Fatalf("block bytes mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 16, b.Used())
	require.Equal(t, uint32(0x11223344), b.LoadDword(b.Base()+4))
	require.Equal(t, uint64(0x0102030405060708), b.LoadQword(b.Base()+8))
}

func TestBlockOverflowIsFatal(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()

	b := Alloc("small", 8)
	b.Qword(0)
	require.Equal(t, b.End(), b.Frontier())
	require.Panics(t, func() { b.Byte(0) })
	// The failed append leaves the frontier alone.
	require.Equal(t, b.End(), b.Frontier())
}

func TestWithCursorRestoresFrontier(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()

	b := Alloc("cursor", 64)
	b.Bytes(make([]byte, 20)...)
	end := b.Frontier()

	b.WithCursor(b.Base()+4, func() {
		require.Equal(t, b.Base()+4, b.Frontier())
		b.Bytes(0xaa, 0xbb)
	})
	require.Equal(t, end, b.Frontier())
	require.Equal(t, []byte{0xaa, 0xbb}, b.Read(b.Base()+4, 2))

	// An early exit through a panic still restores the cursor.
	require.Panics(t, func() {
		b.WithCursor(b.Base(), func() {
			b.Bytes(make([]byte, 100)...)
		})
	})
	require.Equal(t, end, b.Frontier())
}

func TestPatchRequiresAlignment(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()

	b := Alloc("patch", 64)
	b.PatchQword(b.Base()+8, 0xdeadbeef)
	require.Equal(t, uint64(0xdeadbeef), b.LoadQword(b.Base()+8))
	b.PatchDword(b.Base()+4, 7)
	require.Equal(t, uint32(7), b.LoadDword(b.Base()+4))

	require.Panics(t, func() { b.PatchQword(b.Base()+4, 0) })
	require.Panics(t, func() { b.PatchDword(b.Base()+2, 0) })
	require.Panics(t, func() { b.LoadQword(b.End()) })
}

func TestDirectory(t *testing.T) {
	a := Alloc("a", 128)
	b := Alloc("b", 256)
	dir, err := NewDirectory(b, a)
	require.NoError(t, err)

	got, ok := dir.BlockFor(a.Base() + 17)
	require.True(t, ok)
	require.Same(t, a, got)

	got, ok = dir.BlockFor(b.End() - 1)
	require.True(t, ok)
	require.Same(t, b, got)

	_, ok = dir.BlockFor(a.End())
	if a.End() != b.Base() {
		require.False(t, ok)
	}
	_, ok = dir.BlockFor(0)
	require.False(t, ok)

	require.Len(t, dir.Blocks(), 2)
	require.ErrorContains(t, dir.Register(a), "overlaps")

	lo, hi := dir.Span()
	require.LessOrEqual(t, lo, a.Base())
	require.GreaterOrEqual(t, hi, b.End())
}

func TestDirectoryOverlapWithinRegion(t *testing.T) {
	whole := Alloc("whole", 256)
	dir, err := NewDirectory(whole)
	require.NoError(t, err)

	inner := NewBlock("inner", whole.Slice(whole.Base()+64, whole.Base()+128))
	require.ErrorContains(t, dir.Register(inner), "overlaps whole")
}
