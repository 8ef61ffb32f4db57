// Package codecache manages the executable memory generated code lives in:
// the mapped region, the code blocks carved out of it, and the directory
// that maps an address back to its owning block.
package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ascrivener/tcgen/pkg/jit"
)

const DefaultMemorySize = 16 * 1024 * 1024

// Memory is one mapped region handed out to code blocks.
type Memory struct {
	mu     sync.Mutex
	buffer []byte
	used   int
	blocks []*Block
}

// NewMemory maps size bytes of executable memory. A non-zero hint asks for
// the region at or near that address; the kernel may place it elsewhere.
func NewMemory(size int, hint uintptr) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	size = roundUp(size, pageSize())
	buffer, err := mapRegion(size, hint)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes of code memory: %w", size, err)
	}
	return &Memory{buffer: buffer}, nil
}

// Carve reserves size bytes and returns them as a named block. Blocks start
// on a cache line boundary.
func (m *Memory) Carve(name string, size int) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buffer == nil {
		return nil, fmt.Errorf("carving %s: memory already freed", name)
	}
	start := roundUp(m.used, jit.AlignCacheLine)
	if size <= 0 || start+size > len(m.buffer) {
		return nil, fmt.Errorf("out of code memory carving %s: need %d, have %d",
			name, size, len(m.buffer)-start)
	}
	b := NewBlock(name, m.buffer[start:start+size:start+size])
	m.used = start + size
	m.blocks = append(m.blocks, b)
	return b, nil
}

// Base returns the start address of the region.
func (m *Memory) Base() jit.TCA {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) == 0 {
		return jit.NoTCA
	}
	return jit.TCA(unsafe.Pointer(&m.buffer[0]))
}

// Used returns the number of bytes handed out to blocks.
func (m *Memory) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *Memory) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Blocks returns the blocks carved so far.
func (m *Memory) Blocks() []*Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Block(nil), m.blocks...)
}

// Free unmaps the region. Every block carved from it becomes invalid.
func (m *Memory) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buffer == nil {
		return nil
	}
	err := unmapRegion(m.buffer)
	m.buffer = nil
	m.used = 0
	m.blocks = nil
	if err != nil {
		return fmt.Errorf("failed to unmap code memory: %w", err)
	}
	return nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
