// Package stubs builds the unique stubs: the shared trampolines every
// translation enters, leaves or calls through. Stubs are emitted once, and
// their code never changes afterwards. Only the call and jump sites that
// reference them are smashed.
package stubs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/arch"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

// Runtime holds the native entry points the stubs call.
type Runtime struct {
	// HandleSurprise(vmfp) services a pending surprise flag. A zero return
	// abandons the function being entered.
	HandleSurprise jit.TCA
	// Release(data, type) frees a value whose last reference went away.
	Release jit.TCA
	// UnwindResume(vmfp) returns the catch trace to resume at, or zero.
	UnwindResume jit.TCA
	// ResumeUnwind(exception) continues unwinding and does not return.
	ResumeUnwind jit.TCA
	// UnwinderException is the thread-local slot of the exception in
	// flight.
	UnwinderException codegen.TLSDatum
}

func (rt Runtime) Validate() error {
	var result *multierror.Error
	for _, f := range []struct {
		name string
		addr jit.TCA
	}{
		{"HandleSurprise", rt.HandleSurprise},
		{"Release", rt.Release},
		{"UnwindResume", rt.UnwindResume},
		{"ResumeUnwind", rt.ResumeUnwind},
	} {
		if f.addr == jit.NoTCA {
			result = multierror.Append(result, fmt.Errorf("runtime entry %s is not set", f.name))
		}
	}
	return result.ErrorOrNil()
}

// Entry is one published stub address. Start to End is the main-block code
// of the unit that holds it, ColdStart to ColdEnd the unit's cold code.
// Entry points of one unit share those ranges.
type Entry struct {
	Name               string
	Addr               jit.TCA
	Start, End         jit.TCA
	ColdStart, ColdEnd jit.TCA
	Digest             [blake2b.Size256]byte
}

func (e Entry) Size() int { return int(e.End - e.Start) }

type codeRef struct {
	addr  jit.TCA
	unit  *vasm.Unit
	label vasm.Label
}

// UniqueStubs is the built stub catalogue.
type UniqueStubs struct {
	// FunctionEnterHelper(target, vmfp, vmtl) enters translated code from
	// native code.
	FunctionEnterHelper jit.TCA
	// EnterTCExit restores the native state FunctionEnterHelper saved and
	// returns to its caller.
	EnterTCExit jit.TCA
	// CallToExit leaves translated code for EnterTCExit.
	CallToExit jit.TCA
	// DecRefHelper releases the value at the address in the second
	// argument register, tagged by the fourth.
	DecRefHelper jit.TCA
	// FreeLocalsHelpers[i] frees local slots i down to 0.
	FreeLocalsHelpers []jit.TCA
	// FreeManyLocalsHelper frees the slots from the address in the second
	// argument register up to the unrolled ones, then those.
	FreeManyLocalsHelper jit.TCA
	// EndCatchHelper resumes translated code or unwinding after a catch.
	EndCatchHelper jit.TCA

	// Meta holds the fixups produced while emitting the stubs.
	Meta jit.Meta

	main, cold *codecache.Block
	entries    []Entry
	refs       []codeRef
}

type span struct{ start, end jit.TCA }

type builder struct {
	b          arch.Backend
	main, cold *codecache.Block
	rt         Runtime
	ctx        *codegen.Context
	us         *UniqueStubs
	// cur is the cold code of the unit lowered last.
	cur span
}

// unit lowers one stub unit built by gen, aligned to align in main.
func (bl *builder) unit(name string, align int, gen func(v, vcold *vasm.Vout)) *vasm.Layout {
	bl.b.Align(bl.main, align)
	u := vasm.NewUnit(name)
	gen(u.Main(), u.Out(u.MakeBlock(vasm.AreaCold)))

	coldStart := bl.cold.Frontier()
	l := bl.b.Lower(u, bl.main, bl.cold, &bl.us.Meta)
	if bl.cold == bl.main {
		coldStart = l.End
	}
	bl.cur = span{coldStart, bl.cold.Frontier()}
	return l
}

// publish records the entry point lbl of the unit l was lowered from.
func (bl *builder) publish(name string, l *vasm.Layout, lbl vasm.Label) jit.TCA {
	addr := l.Addr(lbl)
	e := Entry{
		Name:      name,
		Addr:      addr,
		Start:     l.Start,
		End:       l.End,
		ColdStart: bl.cur.start,
		ColdEnd:   bl.cur.end,
	}
	e.Digest = digest(bl.main, bl.cold, e)
	bl.us.entries = append(bl.us.entries, e)
	bl.us.refs = append(bl.us.refs, codeRef{addr, l.Unit, lbl})
	jit.Logger().Debug().Str("stub", name).Stringer("addr", addr).Int("size", e.Size()).Msg("emitted stub")
	return addr
}

func digest(main, cold *codecache.Block, e Entry) [blake2b.Size256]byte {
	var buf bytes.Buffer
	buf.Write(main.Read(e.Start, int(e.End-e.Start)))
	if e.ColdEnd > e.ColdStart {
		buf.Write(cold.Read(e.ColdStart, int(e.ColdEnd-e.ColdStart)))
	}
	return blake2b.Sum256(buf.Bytes())
}

// Build emits every unique stub into main, with slow paths in cold (or
// main when cold is nil).
func Build(b arch.Backend, main, cold *codecache.Block, rt Runtime, ctx *codegen.Context) (*UniqueStubs, error) {
	if err := rt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime: %w", err)
	}
	if ctx.FreeLocalsUnroll < 1 {
		return nil, fmt.Errorf("free-locals unroll must be positive, got %d", ctx.FreeLocalsUnroll)
	}
	if !ctx.FastTLS && ctx.TLSGetSpecific == jit.NoTCA {
		return nil, errors.New("thread-local loads need a lookup function without fast TLS")
	}
	if cold == nil {
		cold = main
	}
	us := &UniqueStubs{main: main, cold: cold}
	bl := &builder{b: b, main: main, cold: cold, rt: rt, ctx: ctx, us: us}

	bl.emitFunctionEnterHelper()
	bl.emitCallToExit()
	bl.emitFreeLocalsHelpers()
	bl.emitEndCatchHelper()

	jit.Logger().Info().Str("arch", b.Name()).Int("stubs", len(us.entries)).
		Int("bytes", main.Used()).Msg("built unique stubs")
	return us, nil
}

// Entries lists every published stub in emission order.
func (us *UniqueStubs) Entries() []Entry {
	return append([]Entry(nil), us.entries...)
}

// Lookup returns the address of the stub called name.
func (us *UniqueStubs) Lookup(name string) (jit.TCA, bool) {
	for _, e := range us.entries {
		if e.Name == name {
			return e.Addr, true
		}
	}
	return jit.NoTCA, false
}

// Contains reports whether addr lies inside a stub.
func (us *UniqueStubs) Contains(addr jit.TCA) bool {
	for _, e := range us.entries {
		if (addr >= e.Start && addr < e.End) || (addr >= e.ColdStart && addr < e.ColdEnd) {
			return true
		}
	}
	return false
}

// Verify reports every stub whose code no longer matches what was built.
func (us *UniqueStubs) Verify() error {
	var result *multierror.Error
	for _, e := range us.entries {
		if digest(us.main, us.cold, e) != e.Digest {
			result = multierror.Append(result, fmt.Errorf("stub %s at %v: code changed since it was built", e.Name, e.Addr))
		}
	}
	return result.ErrorOrNil()
}

// Bind makes every stub entry point reachable by address in m.
func (us *UniqueStubs) Bind(m *vasm.Machine) {
	for _, r := range us.refs {
		m.Code[r.addr] = vasm.Entry{Unit: r.unit, Label: r.label}
	}
}
