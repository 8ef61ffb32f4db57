//go:build linux

package codecache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

// mapRegion maps anonymous RWX memory. The hint is advisory (no MAP_FIXED).
func mapRegion(size int, hint uintptr) ([]byte, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func unmapRegion(buf []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(&buf[0]), uintptr(len(buf)))
}
