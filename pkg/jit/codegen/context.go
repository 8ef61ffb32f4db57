// Package codegen emits the sequences shared by translations and stubs:
// reference counting, thread-local loads, calls and surprise checks. Every
// helper appends to vasm streams, so the same code serves each backend.
package codegen

import (
	"fmt"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// DataType is the tag byte stored next to a value.
type DataType int8

const (
	Uninit           DataType = 0x00
	Null             DataType = 0x08
	Bool             DataType = 0x09
	Int              DataType = 0x0a
	Double           DataType = 0x0b
	PersistentString DataType = 0x0c
	PersistentArray  DataType = 0x0d
	String           DataType = 0x14
	Array            DataType = 0x20
	Object           DataType = 0x30
	Resource         DataType = 0x40
	Ref              DataType = 0x50

	// RefCountThreshold is the largest tag whose values are never counted.
	RefCountThreshold = PersistentArray
)

var typeNames = map[DataType]string{
	Uninit: "Uninit", Null: "Null", Bool: "Bool", Int: "Int", Double: "Double",
	PersistentString: "PersistentString", PersistentArray: "PersistentArray",
	String: "String", Array: "Array", Object: "Object", Resource: "Resource", Ref: "Ref",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%#x)", uint8(t))
}

// Refcounted reports whether values tagged t carry a reference count.
func (t DataType) Refcounted() bool { return t > RefCountThreshold }

// Reference count values with special meaning. Counts at or below
// StaticRefCount belong to values that are never freed.
const (
	StaticRefCount       int32 = -1 << 30
	RefCountMaxRealistic int32 = 1<<30 - 1
)

// Layout gives the offsets the helpers address memory with.
type Layout struct {
	// DataOffset and TypeOffset locate the data word and the tag byte of a
	// typed value; TVSize is its stride in a frame.
	DataOffset int32
	TypeOffset int32
	TVSize     int32
	// RefCountOffset is the 32-bit count inside a heap object.
	RefCountOffset int32
	// SurpriseFlagsOffset is the flag word in the per-request data block.
	SurpriseFlagsOffset int32
}

var DefaultLayout = Layout{
	DataOffset:          0,
	TypeOffset:          8,
	TVSize:              16,
	RefCountOffset:      12,
	SurpriseFlagsOffset: 0x20,
}

// LocalOffset is the frame-pointer displacement of local slot i. Locals
// sit below the frame pointer, slot 0 highest.
func (l Layout) LocalOffset(i int) int32 {
	return -int32(i+1) * l.TVSize
}

// Target is the part of a backend the helpers depend on.
type Target interface {
	ABI() *jit.ABI
	CallFits(target jit.TCA) bool
}

// Context is what the helpers read while emitting.
type Context struct {
	ABI    *jit.ABI
	Layout Layout

	FastTLS         bool
	GenerateAsserts bool
	// TLSGetSpecific is the lookup function thread-local loads call when
	// FastTLS is off.
	TLSGetSpecific jit.TCA
	// CallFits reports whether a direct call reaches target.
	CallFits func(target jit.TCA) bool
	// FreeLocalsUnroll is the number of locals freed by straight-line code
	// rather than a loop.
	FreeLocalsUnroll int
}

func NewContext(t Target, opts jit.Options) *Context {
	return &Context{
		ABI:              t.ABI(),
		Layout:           DefaultLayout,
		FastTLS:          opts.FastTLS,
		GenerateAsserts:  opts.GenerateAsserts,
		CallFits:         t.CallFits,
		FreeLocalsUnroll: opts.FreeLocalsUnroll,
	}
}
