//go:build !linux

package codecache

import "os"

// Without mmap the region lives on the Go heap. Code can be emitted,
// patched and disassembled but not executed.

func pageSize() int {
	return os.Getpagesize()
}

func mapRegion(size int, _ uintptr) ([]byte, error) {
	return alignedHeap(size, pageSize()), nil
}

func unmapRegion([]byte) error {
	return nil
}
